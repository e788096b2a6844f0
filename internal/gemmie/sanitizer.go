package gemmie

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cuongbtq/gemmie-chat/internal/llm"
)

type leakPattern struct {
	reason string
	re     *regexp.Regexp
}

// Checked in order against the lowercased raw text and the post-processed
// text. The first hit is the reason a candidate is flagged.
var leakPatterns = []leakPattern{
	{"iso timestamp", regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}|\b\d{8}t\d{4,6}\b`)},
	{"date string", regexp.MustCompile(`\b(mon|tue|wed|thu|fri|sat|sun)[a-z]*,? (jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]* \d{1,2},? \d{4}\b`)},
	{"timezone", regexp.MustCompile(`\bgmt ?[+-]?\d{4}\b|\(?coordinated universal time\)?`)},
	{"role label", regexp.MustCompile(`(?m)^\s*\**(system|user|assistant|model)\**\s*:`)},
	{"json key", regexp.MustCompile(`"[a-z_]+"\s*:`)},
	{"api metadata", regexp.MustCompile(`\b(finish_?reason|prompt_?tokens|completion_?tokens|total_?tokens|usage_?metadata|safety_?ratings|model_?version|response_?id|tool_?calls)\b`)},
}

var (
	// A colon only separates after a word or json key, never inside a clock time.
	separators     = regexp.MustCompile(`(?i)coordinated universal time|universal time|gmt ?[+-]?\d{4}|\butc\b|\d{4}-\d{2}-\d{2}t[\d:.]+z?|\n|\]|\b[a-z_]+"?\s*:|\|`)
	jsonFragment   = regexp.MustCompile(`[{}]|"[a-z_]+"\s*:|"\s*,\s*"`)
	systemKeywords = regexp.MustCompile(`\b(system|assistant|prompt|instructions?|tokens?|timestamp|metadata|api|json)\b`)
	trailingPunct  = regexp.MustCompile(`[.!?]\s*$`)
)

const cleanupSystem = `you clean up chat messages. the input is a chat reply that got mixed with junk such as timestamps, dates, usernames, role labels or json.
return only the chat reply itself, in lowercase, with nothing else. if there is no reply in it, return an empty line.`

const cleanupExamples = `input: gemmie from us sun nov 23 2025 003945 gmt0000 universal time lol nice
output: lol nice

input: assistant: haha same, mondays are the worst
output: haha same, mondays are the worst

input: {"role": "model", "content": "wait you're from brazil?"}
output: wait you're from brazil?

`

// Sanitizer removes leaked metadata from generated replies.
type Sanitizer struct {
	cleanup      llm.Completer
	config       SanitizerConfig
	maxSentences int
	maxChars     int
	speaker      *regexp.Regexp
	logger       *slog.Logger
}

// NewSanitizer creates a Sanitizer. cleanup may be nil.
func NewSanitizer(cleanup llm.Completer, config *Config, logger *slog.Logger) *Sanitizer {
	return &Sanitizer{
		cleanup:      cleanup,
		config:       config.Sanitizer,
		maxSentences: config.Generator.MaxSentences,
		maxChars:     config.Generator.MaxChars,
		speaker:      regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(strings.ToLower(config.Name)) + `( from [a-z]{2})?\s*:|^\s*` + regexp.QuoteMeta(strings.ToLower(config.Name)) + ` from [a-z]{2}\b`),
		logger:       logger,
	}
}

// Sanitize validates raw and, when it looks polluted, recovers the chat
// line from it. The result is never empty, and sanitizing an already clean
// string returns it unchanged.
func (s *Sanitizer) Sanitize(ctx context.Context, raw string) Candidate {
	cleaned := s.postProcess(raw)
	reason := s.scan(raw)
	if reason == "" {
		return s.finish(Candidate{Raw: raw, Cleaned: cleaned, Valid: true, Stage: StageClean})
	}

	s.logger.Info("Generated reply flagged",
		slog.String("reason", reason),
	)
	candidate := Candidate{Raw: raw, Reason: reason}

	if text, ok := s.bestFragment(raw); ok {
		candidate.Cleaned, candidate.Stage = text, StageHeuristic
		return s.finish(candidate)
	}

	if text, ok := s.lastLines(raw); ok {
		candidate.Cleaned, candidate.Stage = text, StageLastLines
		return s.finish(candidate)
	}

	if text, ok := s.cleanupModel(ctx, raw); ok {
		candidate.Cleaned, candidate.Stage = text, StageCleanup
		return s.finish(candidate)
	}

	candidate.Cleaned, candidate.Stage = cleaned, StageOriginal
	return s.finish(candidate)
}

func (s *Sanitizer) finish(c Candidate) Candidate {
	if c.Cleaned == "" {
		c.Cleaned, c.Stage = s.config.Placeholder, StagePlaceholder
	}
	return c
}

func (s *Sanitizer) postProcess(text string) string {
	return PostProcess(text, s.maxSentences, s.maxChars)
}

// scan returns the first reason text looks polluted, or "".
func (s *Sanitizer) scan(text string) string {
	lowered := strings.ToLower(text)
	processed := s.postProcess(text)

	for _, p := range leakPatterns {
		if p.re.MatchString(lowered) || p.re.MatchString(processed) {
			return p.reason
		}
	}
	if s.speaker.MatchString(lowered) || s.speaker.MatchString(processed) {
		return "speaker prefix"
	}
	if len(strings.Fields(processed)) > s.config.MaxWords || len(strings.Fields(lowered)) > s.config.MaxWords {
		return "too long"
	}
	return ""
}

// score rates how much fragment looks like a plain chat line.
func (s *Sanitizer) score(fragment string) int {
	lowered := strings.ToLower(strings.TrimSpace(fragment))
	words := len(strings.Fields(lowered))

	score := 0
	if s.scan(fragment) == "" && !systemKeywords.MatchString(lowered) {
		score += 2
	}
	if words >= 1 && words <= 30 {
		score += 2
	}
	if trailingPunct.MatchString(strings.Trim(lowered, "\"'{}[]() ")) {
		score++
	}
	if jsonFragment.MatchString(lowered) {
		score -= 3
	}
	if leakPatterns[0].re.MatchString(lowered) || leakPatterns[1].re.MatchString(lowered) || leakPatterns[2].re.MatchString(lowered) {
		score -= 3
	}
	if systemKeywords.MatchString(lowered) {
		score -= 3
	}
	if words > s.config.MaxWords {
		score -= 2
	}
	return score
}

// bestFragment splits raw on separator tokens and keeps the fragment that
// scores clearly better than the whole.
func (s *Sanitizer) bestFragment(raw string) (string, bool) {
	fragments := separators.Split(raw, -1)
	if len(fragments) < 2 {
		return "", false
	}

	rawScore := s.score(raw)
	best, bestScore := "", 0
	found := false
	for _, f := range fragments {
		if s.postProcess(f) == "" {
			continue
		}
		sc := s.score(f)
		// Later fragments win ties, the reply usually follows the junk.
		if !found || sc >= bestScore {
			best, bestScore, found = f, sc, true
		}
	}

	if !found || bestScore <= 0 || bestScore-rawScore < 2 {
		return "", false
	}
	return s.postProcess(best), true
}

// lastLines keeps the last one or two clean lines of a multi-line reply.
func (s *Sanitizer) lastLines(raw string) (string, bool) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return "", false
	}

	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < 2; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if s.scan(line) != "" || systemKeywords.MatchString(strings.ToLower(line)) {
			if len(kept) > 0 {
				break
			}
			continue
		}
		kept = append([]string{line}, kept...)
	}
	if len(kept) == 0 {
		return "", false
	}

	text := s.postProcess(strings.Join(kept, " "))
	return text, text != ""
}

func (s *Sanitizer) cleanupModel(ctx context.Context, raw string) (string, bool) {
	if s.cleanup == nil {
		return "", false
	}

	out, err := s.cleanup.Complete(ctx, llm.Request{
		System:      cleanupSystem,
		Prompt:      fmt.Sprintf("%sinput: %s\noutput:", cleanupExamples, strings.ReplaceAll(raw, "\n", " ")),
		Model:       s.config.Model,
		MaxTokens:   s.config.MaxTokens,
		Temperature: *s.config.Temperature,
	})
	if err != nil {
		s.logger.Warn("Cleanup model failed",
			slog.String("error", err.Error()),
		)
		return "", false
	}

	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "output:")
	text := s.postProcess(out)
	if text == "" || s.scan(out) != "" {
		return "", false
	}
	return text, true
}
