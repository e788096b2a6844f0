package gemmie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"golang.org/x/sync/errgroup"
)

// Aggregator collects everything one response should answer.
type Aggregator struct {
	backend delayqueue.Backend
	store   MessageStore
	keys    Keys
	config  *Config
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator. config must have defaults applied.
func NewAggregator(backend delayqueue.Backend, store MessageStore, config *Config, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		backend: backend,
		store:   store,
		keys:    NewKeys(config.KeyPrefix),
		config:  config,
		logger:  logger,
	}
}

// BuildContext drains the queued triggers and combines them with trigger,
// recent history and the selected media. Triggers queued after the drain
// belong to the next response.
func (a *Aggregator) BuildContext(ctx context.Context, trigger Trigger) (*Transcript, error) {
	return a.buildContext(ctx, trigger, a.takeMedia(ctx))
}

func (a *Aggregator) buildContext(ctx context.Context, trigger Trigger, media *MediaReference) (*Transcript, error) {
	var (
		drained []string
		history []HistoryLine
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := a.backend.ListDrain(gctx, a.keys.QueuedTriggers)
		if err != nil {
			return fmt.Errorf("failed to drain queued triggers: %w", err)
		}
		drained = entries
		return nil
	})
	g.Go(func() error {
		history = a.loadHistory(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	burst := a.mergeBurst(ctx, trigger, drained)
	if len(burst) == 0 {
		return nil, ErrEmptyContext
	}

	return &Transcript{
		Burst:   burst,
		History: excludeBurst(history, burst),
		Media:   media,
	}, nil
}

type burstEntry struct {
	line  Line
	order int64
	seq   int
}

// mergeBurst parses, filters and orders the trigger plus the drained entries.
func (a *Aggregator) mergeBurst(ctx context.Context, trigger Trigger, drained []string) []Line {
	entries := make([]burstEntry, 0, len(drained)+1)
	seen := make(map[string]struct{}, len(drained)+1)

	add := func(line Line, order int64) {
		if strings.TrimSpace(line.Message) == "" {
			return
		}
		key := fmt.Sprintf("%s\x00%s\x00%d", line.UserName, line.Message, line.SentAt)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		entries = append(entries, burstEntry{line: line, order: order, seq: len(entries)})
	}

	if trigger.HasContent() {
		add(Line{
			UserName:  trigger.UserName,
			Message:   triggerText(trigger),
			Country:   NormalizeCountry(trigger.UserCountry),
			MessageID: trigger.MessageID,
			SentAt:    trigger.SentAt,
		}, trigger.SentAt)
	}

	for _, raw := range drained {
		var queued QueuedTrigger
		if err := json.Unmarshal([]byte(raw), &queued); err != nil {
			a.logger.Warn("Skipping malformed queued trigger",
				slog.String("error", err.Error()),
			)
			continue
		}

		if queued.JobID != "" {
			answered, err := a.backend.SetContains(ctx, a.keys.ProcessedJobs, queued.JobID)
			if err != nil {
				a.logger.Warn("Failed to check processed jobs",
					slog.String("job_id", queued.JobID),
					slog.String("error", err.Error()),
				)
			} else if answered {
				continue
			}
		}

		order := queued.SentAt
		if order == 0 {
			order = queued.EnqueuedAt * 1000
		}
		add(Line{
			UserName:  queued.UserName,
			Message:   queued.UserMessage,
			Country:   NormalizeCountry(queued.UserCountry),
			MessageID: queued.MessageID,
			SentAt:    queued.SentAt,
		}, order)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return entries[i].seq < entries[j].seq
	})

	lines := make([]Line, len(entries))
	for i, e := range entries {
		lines[i] = e.line
	}
	return lines
}

func (a *Aggregator) loadHistory(ctx context.Context) []HistoryLine {
	if a.store == nil {
		return nil
	}

	messages, err := a.store.RecentMessages(ctx, a.config.HistoryLimit)
	if err != nil {
		a.logger.Warn("Failed to load recent messages",
			slog.String("error", err.Error()),
		)
		return nil
	}

	history := make([]HistoryLine, 0, len(messages))
	for _, m := range messages {
		history = append(history, HistoryLine{
			MessageID: m.MessageID,
			UserName:  m.UserName,
			Content:   m.Content,
			Country:   NormalizeCountry(m.Country),
			IsGemmie:  m.IsGemmie,
			CreatedAt: m.CreatedAt,
		})
	}
	return history
}

// takeMedia reads and clears the selected media reference.
func (a *Aggregator) takeMedia(ctx context.Context) *MediaReference {
	raw, err := a.backend.Get(ctx, a.keys.SelectedMedia)
	if err != nil {
		if !errors.Is(err, delayqueue.ErrNotFound) {
			a.logger.Warn("Failed to read selected media",
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	taken, err := a.backend.DeleteIfEquals(ctx, a.keys.SelectedMedia, raw)
	if err != nil || !taken {
		return nil
	}

	var media MediaReference
	if err := json.Unmarshal([]byte(raw), &media); err != nil || media.URL == "" {
		return nil
	}
	return &media
}

// triggerText is the message text, or a note when only media was sent.
func triggerText(t Trigger) string {
	if msg := strings.TrimSpace(t.UserMessage); msg != "" {
		return t.UserMessage
	}
	if media, ok := t.Media(); ok {
		return "[sent a " + media.Kind + "]"
	}
	return ""
}

// excludeBurst drops history lines that are already part of the burst.
func excludeBurst(history []HistoryLine, burst []Line) []HistoryLine {
	ids := make(map[string]struct{}, len(burst))
	texts := make(map[string]struct{}, len(burst))
	for _, l := range burst {
		if l.MessageID != "" {
			ids[l.MessageID] = struct{}{}
		}
		texts[l.UserName+"\x00"+l.Message] = struct{}{}
	}

	out := make([]HistoryLine, 0, len(history))
	for _, h := range history {
		if h.MessageID != "" {
			if _, ok := ids[h.MessageID]; ok {
				continue
			}
		}
		if !h.IsGemmie {
			if _, ok := texts[h.UserName+"\x00"+h.Content]; ok {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}
