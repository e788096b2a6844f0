package gemmie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/realtime"
)

// Reaction is an emoji Gemmie will put on a message.
type Reaction struct {
	MessageID string        `json:"messageId"`
	Emoji     string        `json:"emoji"`
	Delay     time.Duration `json:"-"`
}

// ReactPayload is the body the dispatcher POSTs to the react endpoint.
type ReactPayload struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// ReactionEvent is the reaction-added payload seen by chat clients.
type ReactionEvent struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserName  string `json:"user_name"`
}

// Reactor occasionally reacts to user messages with an emoji.
type Reactor struct {
	dispatcher Dispatcher
	events     EventPublisher
	config     ReactionConfig
	name       string
	channel    string
	targetURL  string
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewReactor creates a Reactor.
func NewReactor(dispatcher Dispatcher, events EventPublisher, config *Config, rng *rand.Rand, logger *slog.Logger) *Reactor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Reactor{
		dispatcher: dispatcher,
		events:     events,
		config:     config.Reaction,
		name:       config.Name,
		channel:    config.Channel,
		targetURL:  config.ReactURL,
		logger:     logger,
		rng:        rng,
	}
}

// Decide rolls whether to react to trigger, and with what.
func (r *Reactor) Decide(trigger Trigger) (Reaction, bool) {
	if !r.config.Enabled || trigger.MessageID == "" || len(r.config.Emojis) == 0 {
		return Reaction{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rng.Float64() >= r.config.Probability {
		return Reaction{}, false
	}

	delay := r.config.MinDelay
	if spread := r.config.MaxDelay - r.config.MinDelay; spread > 0 {
		delay += time.Duration(r.rng.Int63n(int64(spread) + 1))
	}

	return Reaction{
		MessageID: trigger.MessageID,
		Emoji:     r.config.Emojis[r.rng.Intn(len(r.config.Emojis))],
		Delay:     delay,
	}, true
}

// Schedule asks the dispatcher to deliver reaction after its delay.
func (r *Reactor) Schedule(ctx context.Context, reaction Reaction) (string, error) {
	body, err := json.Marshal(ReactPayload{
		Kind:      KindReact,
		MessageID: reaction.MessageID,
		Emoji:     reaction.Emoji,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reaction payload: %w", err)
	}

	jobID, err := r.dispatcher.Schedule(ctx, r.targetURL, body, reaction.Delay)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchedulingFailed, err)
	}

	r.logger.Debug("Reaction scheduled",
		slog.String("job_id", jobID),
		slog.String("message_id", reaction.MessageID),
		slog.Duration("delay", reaction.Delay),
	)
	return jobID, nil
}

// HandleReaction fans a delivered reaction out to chat clients.
func (r *Reactor) HandleReaction(ctx context.Context, payload ReactPayload) error {
	if payload.MessageID == "" || payload.Emoji == "" {
		return ErrInvalidPayload
	}

	event := ReactionEvent{
		MessageID: payload.MessageID,
		Emoji:     payload.Emoji,
		UserName:  r.name,
	}
	if err := r.events.Publish(ctx, r.channel, realtime.EventReactionAdded, event); err != nil {
		return fmt.Errorf("failed to publish reaction: %w", err)
	}
	return nil
}
