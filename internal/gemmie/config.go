package gemmie

import "time"

// Config tunes the response scheduler. Zero values are replaced by
// ApplyDefaults.
type Config struct {
	Name       string
	KeyPrefix  string
	Channel    string
	ProcessURL string
	ReactURL   string

	// Delay is the quiet time D before a scheduled response runs.
	Delay time.Duration
	// LockMargin is added to Delay for the active job lock TTL.
	LockMargin time.Duration
	// OrphanBuffer is added to 2*Delay before a pending job counts as stale.
	OrphanBuffer time.Duration
	ProcessedTTL time.Duration
	HistoryLimit int

	Generator GeneratorConfig
	Sanitizer SanitizerConfig
	Reaction  ReactionConfig
}

// GeneratorConfig controls the primary model call and post-processing.
type GeneratorConfig struct {
	Model        string
	MaxTokens    int
	Temperature  *float64 // nil means unset, zero is a valid temperature
	Timezone     string
	MaxSentences int
	MaxChars     int
	Fallbacks    []string
}

// SanitizerConfig controls validation and the cleanup model call.
type SanitizerConfig struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	MaxWords    int
	Placeholder string
}

// ReactionConfig controls emoji reactions.
type ReactionConfig struct {
	Enabled     bool
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Emojis      []string
}

var defaultFallbacks = []string{
	"lol",
	"hmm",
	"haha yeah",
	"wait what",
	"fair enough",
	"true true",
	"ok ok",
}

var defaultEmojis = []string{"❤️", "😂", "👀", "🔥", "👍", "😮"}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "gemmie"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "gemmie"
	}
	if c.Channel == "" {
		c.Channel = "chat"
	}
	if c.Delay <= 0 {
		c.Delay = 3 * time.Second
	}
	if c.LockMargin <= 0 {
		c.LockMargin = 45 * time.Second
	}
	if c.OrphanBuffer <= 0 {
		c.OrphanBuffer = 10 * time.Second
	}
	if c.ProcessedTTL <= 0 {
		c.ProcessedTTL = 24 * time.Hour
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 12
	}

	g := &c.Generator
	if g.MaxTokens <= 0 {
		g.MaxTokens = 120
	}
	if g.Temperature == nil {
		g.Temperature = temperature(0.9)
	}
	if g.Timezone == "" {
		g.Timezone = "UTC"
	}
	if g.MaxSentences <= 0 {
		g.MaxSentences = 2
	}
	if g.MaxChars <= 0 {
		g.MaxChars = 200
	}
	if len(g.Fallbacks) == 0 {
		g.Fallbacks = defaultFallbacks
	}

	s := &c.Sanitizer
	if s.MaxTokens <= 0 {
		s.MaxTokens = 80
	}
	if s.Temperature == nil {
		s.Temperature = temperature(0.1)
	}
	if s.MaxWords <= 0 {
		s.MaxWords = 50
	}
	if s.Placeholder == "" {
		s.Placeholder = "hmm"
	}

	r := &c.Reaction
	if r.MinDelay <= 0 {
		r.MinDelay = time.Second
	}
	if r.MaxDelay < r.MinDelay {
		r.MaxDelay = r.MinDelay + 3*time.Second
	}
	if len(r.Emojis) == 0 {
		r.Emojis = defaultEmojis
	}
}

// LockTTL is the active job lock expiry.
func (c *Config) LockTTL() time.Duration {
	return c.Delay + c.LockMargin
}

// OrphanAge is how old a pending record may get before it is swept.
func (c *Config) OrphanAge() time.Duration {
	return 2*c.Delay + c.OrphanBuffer
}

func temperature(v float64) *float64 {
	return &v
}
