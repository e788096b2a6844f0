// Package gemmie decides when and how the automated participant answers the
// chat. Messages arriving within the quiet period are coalesced into one
// deferred job; the job runs under a lock, reads everything queued since the
// last answer and publishes a single reply.
package gemmie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/cuongbtq/gemmie-chat/internal/llm"
)

// Dependencies wires a Service.
type Dependencies struct {
	Backend    delayqueue.Backend
	Dispatcher Dispatcher
	Store      MessageStore
	Events     EventPublisher
	Primary    llm.Completer
	Cleanup    llm.Completer // may be nil
	Rand       *rand.Rand    // nil seeds from the clock
	Logger     *slog.Logger
}

// Service is the entry point used by the HTTP handlers and the worker.
type Service struct {
	Timer    *Timer
	Guard    *Guard
	Pipeline *Pipeline
	Reactor  *Reactor

	logger *slog.Logger
}

// New creates a Service. Defaults are applied to a copy of config.
func New(config Config, deps Dependencies) *Service {
	config.ApplyDefaults()
	cfg := &config

	logger := deps.Logger.With(slog.String("component", "gemmie"))

	timer := NewTimer(deps.Backend, deps.Dispatcher, cfg, logger)
	guard := NewGuard(deps.Backend, cfg, logger)
	aggregator := NewAggregator(deps.Backend, deps.Store, cfg, logger)
	generator := NewGenerator(deps.Primary, cfg, deps.Rand, logger)
	sanitizer := NewSanitizer(deps.Cleanup, cfg, logger)
	publisher := NewPublisher(deps.Store, deps.Events, cfg, logger)

	return &Service{
		Timer: timer,
		Guard: guard,
		Pipeline: &Pipeline{
			backend:    deps.Backend,
			timer:      timer,
			guard:      guard,
			aggregator: aggregator,
			generator:  generator,
			sanitizer:  sanitizer,
			publisher:  publisher,
			keys:       NewKeys(cfg.KeyPrefix),
			config:     cfg,
			logger:     logger,
		},
		Reactor: NewReactor(deps.Dispatcher, deps.Events, cfg, deps.Rand, logger),
		logger:  logger,
	}
}

// OnUserMessage schedules the debounced reply and, sometimes, a reaction.
// A failed reaction never fails the message.
func (s *Service) OnUserMessage(ctx context.Context, trigger Trigger) (string, error) {
	if reaction, ok := s.Reactor.Decide(trigger); ok {
		if _, err := s.Reactor.Schedule(ctx, reaction); err != nil {
			s.logger.Warn("Failed to schedule reaction",
				slog.String("message_id", trigger.MessageID),
				slog.String("error", err.Error()),
			)
		}
	}
	return s.Timer.OnUserMessage(ctx, trigger)
}

// HandleProcessCallback decodes a process job body and runs it.
func (s *Service) HandleProcessCallback(ctx context.Context, jobID string, body []byte) (*Result, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidPayload)
	}

	var payload JobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch payload.Kind {
	case KindProcess, KindFollowUp:
	default:
		return nil, fmt.Errorf("%w: unexpected kind %q", ErrInvalidPayload, payload.Kind)
	}

	return s.Pipeline.ProcessScheduledJob(ctx, Job{ID: jobID, Payload: payload})
}

// HandleReactCallback decodes a react job body and fans it out.
func (s *Service) HandleReactCallback(ctx context.Context, body []byte) error {
	var payload ReactPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Kind != KindReact {
		return fmt.Errorf("%w: unexpected kind %q", ErrInvalidPayload, payload.Kind)
	}
	return s.Reactor.HandleReaction(ctx, payload)
}

// CancelAllPending cancels the pending response without a replacement.
func (s *Service) CancelAllPending(ctx context.Context) (bool, error) {
	return s.Timer.CancelAllPending(ctx)
}

// CleanupOrphans sweeps a pending record whose job will never run.
func (s *Service) CleanupOrphans(ctx context.Context) (SweepResult, error) {
	return s.Timer.CleanupOrphans(ctx)
}
