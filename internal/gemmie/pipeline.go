package gemmie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
)

// Outcomes of ProcessScheduledJob.
const (
	OutcomeReplied   = "replied"
	OutcomeQueued    = "queued"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
)

// Result describes one processed job.
type Result struct {
	Outcome   string `json:"outcome"`
	MessageID string `json:"message_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// Pipeline turns a delivered job into at most one published reply.
type Pipeline struct {
	backend    delayqueue.Backend
	timer      *Timer
	guard      *Guard
	aggregator *Aggregator
	generator  *Generator
	sanitizer  *Sanitizer
	publisher  *Publisher
	keys       Keys
	config     *Config
	logger     *slog.Logger
}

// ProcessScheduledJob runs one job. A job that finds the lock held queues its
// trigger for the running one; a job that was already answered is a
// duplicate. Errors are returned only when a reply could not be published.
//
// The job is marked processed before generation, so a redelivery after a
// failed publish ends as a duplicate rather than answering twice.
func (p *Pipeline) ProcessScheduledJob(ctx context.Context, job Job) (*Result, error) {
	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", job.Payload.Kind),
	)

	lease, ok, err := p.guard.TryAcquire(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.isDuplicate(ctx, job.ID) {
			log.Info("Job is already running or answered")
			return &Result{Outcome: OutcomeDuplicate}, nil
		}
		p.timer.EnqueueIfBusy(ctx, job.Payload.Trigger, job.ID)
		p.timer.forgetJob(ctx, job.ID)
		if _, err := p.timer.EnsureFollowUp(ctx); err != nil {
			log.Warn("Failed to schedule follow-up",
				slog.String("error", err.Error()),
			)
		}
		log.Info("Another response is running, trigger queued")
		return &Result{Outcome: OutcomeQueued}, nil
	}
	defer func() {
		if err := p.guard.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Error("Failed to release active job lock",
				slog.String("error", err.Error()),
			)
		}
	}()

	added, err := p.backend.SetAdd(ctx, p.keys.ProcessedJobs, job.ID, p.config.ProcessedTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job processed: %w", err)
	}
	if !added {
		log.Info("Job already processed")
		return &Result{Outcome: OutcomeDuplicate}, nil
	}
	// Take the media before the record goes, a message arriving after that
	// opens a new window and clears the selection.
	media := p.aggregator.takeMedia(ctx)
	p.timer.forgetJob(ctx, job.ID)

	transcript, err := p.aggregator.buildContext(ctx, job.Payload.Trigger, media)
	if errors.Is(err, ErrEmptyContext) {
		log.Info("Nothing to respond to")
		return &Result{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return nil, err
	}

	generated := p.generator.Generate(ctx, transcript)
	candidate := p.sanitizer.Sanitize(ctx, generated.Raw)
	if generated.Stage == StageFallback {
		candidate.Stage = StageFallback
	}

	msg, err := p.publisher.Publish(ctx, candidate.Cleaned)
	if err != nil {
		return nil, err
	}

	log.Info("Response sent",
		slog.String("message_id", msg.MessageID),
		slog.String("stage", candidate.Stage),
		slog.Int("burst_size", len(transcript.Burst)),
	)
	return &Result{
		Outcome:   OutcomeReplied,
		MessageID: msg.MessageID,
		Reply:     candidate.Cleaned,
		Stage:     candidate.Stage,
	}, nil
}

// isDuplicate reports whether a delivery that lost the lock belongs to a job
// that is running under that lock or was already answered. Lookup errors
// count as not a duplicate so the trigger is queued rather than dropped.
func (p *Pipeline) isDuplicate(ctx context.Context, jobID string) bool {
	holder, err := p.guard.Holder(ctx)
	if err == nil && holder == jobID {
		return true
	}

	processed, err := p.backend.SetContains(ctx, p.keys.ProcessedJobs, jobID)
	return err == nil && processed
}
