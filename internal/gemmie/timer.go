package gemmie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/cuongbtq/gemmie-chat/internal/dispatch"
)

// Sweep actions reported by CleanupOrphans.
const (
	SweepNone       = "none"
	SweepKept       = "kept"
	SweepProcessed  = "processed"
	SweepOrphaned   = "orphaned"
	SweepTerminal   = "terminal"
	SweepStale      = "stale"
	SweepCorrupt    = "corrupt"
	SweepRecordGone = "record-gone"
)

// SweepResult describes what CleanupOrphans did with the pending record.
type SweepResult struct {
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Timer debounces user messages into at most one pending response job.
type Timer struct {
	backend    delayqueue.Backend
	dispatcher Dispatcher
	keys       Keys
	config     *Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewTimer creates a Timer. config must have defaults applied.
func NewTimer(backend delayqueue.Backend, dispatcher Dispatcher, config *Config, logger *slog.Logger) *Timer {
	return &Timer{
		backend:    backend,
		dispatcher: dispatcher,
		keys:       NewKeys(config.KeyPrefix),
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// OnUserMessage restarts the quiet period for trigger and returns the id of
// the job that will answer it. An empty id with a nil error means a
// concurrent message took over the window and this trigger was queued for it.
func (t *Timer) OnUserMessage(ctx context.Context, trigger Trigger) (string, error) {
	trigger.UserCountry = NormalizeCountry(trigger.UserCountry)
	now := t.now()

	if _, err := t.backend.Set(ctx, t.keys.LastActivity, strconv.FormatInt(now.UnixMilli(), 10), delayqueue.SetOptions{}); err != nil {
		t.logger.Warn("Failed to record last activity",
			slog.String("error", err.Error()),
		)
	}

	record, raw, err := t.loadPending(ctx)
	if err != nil {
		return "", err
	}

	if record == nil {
		// New window
		if err := t.backend.Delete(ctx, t.keys.SelectedMedia); err != nil {
			t.logger.Warn("Failed to clear selected media",
				slog.String("error", err.Error()),
			)
		}
	}

	if media, ok := trigger.Media(); ok {
		t.selectMedia(ctx, media)
	}

	if record != nil {
		t.supersede(ctx, record, raw)
	}

	jobID, err := t.schedule(ctx, KindProcess, trigger)
	if err != nil {
		return "", err
	}

	written, err := t.writePending(ctx, PendingJobRecord{
		JobID:       jobID,
		Kind:        KindProcess,
		ScheduledAt: now.UnixMilli(),
		Trigger:     trigger,
	})
	if err != nil {
		return "", err
	}
	if !written {
		// Another message scheduled in between; hand our trigger to its job.
		if t.cancel(ctx, jobID) {
			t.EnqueueIfBusy(ctx, trigger, jobID)
		}
		t.logger.Info("Response window taken by a concurrent message",
			slog.String("job_id", jobID),
		)
		return "", nil
	}

	t.logger.Info("Response scheduled",
		slog.String("job_id", jobID),
		slog.String("user_name", trigger.UserName),
		slog.Duration("delay", t.config.Delay),
	)
	return jobID, nil
}

// EnqueueIfBusy appends trigger to the queue read by the next response.
// Triggers without content are ignored.
func (t *Timer) EnqueueIfBusy(ctx context.Context, trigger Trigger, jobID string) {
	if !trigger.HasContent() {
		return
	}

	queued := QueuedTrigger{
		UserName:    trigger.UserName,
		UserMessage: trigger.UserMessage,
		UserCountry: NormalizeCountry(trigger.UserCountry),
		EnqueuedAt:  t.now().Unix(),
		SentAt:      trigger.SentAt,
		MessageID:   trigger.MessageID,
		JobID:       jobID,
	}
	body, err := json.Marshal(queued)
	if err != nil {
		t.logger.Error("Failed to marshal queued trigger",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := t.backend.ListAppend(ctx, t.keys.QueuedTriggers, string(body)); err != nil {
		t.logger.Error("Failed to queue trigger",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	t.logger.Debug("Trigger queued",
		slog.String("job_id", jobID),
		slog.String("user_name", trigger.UserName),
	)
}

// CancelAllPending cancels and forgets the pending job without scheduling a
// replacement. It reports whether a record existed.
func (t *Timer) CancelAllPending(ctx context.Context) (bool, error) {
	record, raw, err := t.loadPending(ctx)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	t.cancel(ctx, record.JobID)
	if _, err := t.backend.DeleteIfEquals(ctx, t.keys.PendingJob, raw); err != nil {
		return true, fmt.Errorf("failed to delete pending job record: %w", err)
	}

	t.logger.Info("Pending response canceled",
		slog.String("job_id", record.JobID),
	)
	return true, nil
}

// CleanupOrphans removes a pending record whose job will never run.
func (t *Timer) CleanupOrphans(ctx context.Context) (SweepResult, error) {
	raw, err := t.backend.Get(ctx, t.keys.PendingJob)
	if errors.Is(err, delayqueue.ErrNotFound) {
		return SweepResult{Action: SweepNone}, nil
	}
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to read pending job record: %w", err)
	}

	var record PendingJobRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil || record.JobID == "" {
		return t.dropRecord(ctx, raw, SweepResult{Action: SweepCorrupt, Reason: "undecodable record"})
	}

	processed, err := t.backend.SetContains(ctx, t.keys.ProcessedJobs, record.JobID)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to check processed jobs: %w", err)
	}
	if processed {
		return t.dropRecord(ctx, raw, SweepResult{Action: SweepProcessed, JobID: record.JobID})
	}

	status, err := t.dispatcher.Status(ctx, record.JobID)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, dispatch.ErrJobNotFound) {
			reason = "unknown to dispatcher"
		}
		return t.dropRecord(ctx, raw, SweepResult{Action: SweepOrphaned, JobID: record.JobID, Reason: reason})
	}
	if status.Terminal() {
		return t.dropRecord(ctx, raw, SweepResult{Action: SweepTerminal, JobID: record.JobID, Reason: status.State})
	}

	// A retried delivery moves scheduled_for forward, so the dispatcher's
	// due time wins over the local one.
	due := status.ScheduledFor
	if due.IsZero() {
		due = time.UnixMilli(record.ScheduledAt)
	}
	overdue := t.now().Sub(due)
	if overdue <= t.config.OrphanAge() {
		return SweepResult{Action: SweepKept, JobID: record.JobID}, nil
	}

	if t.cancel(ctx, record.JobID) && record.Kind == KindProcess {
		t.EnqueueIfBusy(ctx, record.Trigger, record.JobID)
	}
	result, err := t.dropRecord(ctx, raw, SweepResult{Action: SweepStale, JobID: record.JobID, Reason: overdue.Round(time.Second).String()})
	if err != nil || result.Action != SweepStale {
		return result, err
	}

	// The canceled job's trigger is queued; answer it without waiting for
	// the next message.
	if _, err := t.EnsureFollowUp(ctx); err != nil {
		t.logger.Warn("Failed to schedule follow-up after stale job",
			slog.String("job_id", record.JobID),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

// EnsureFollowUp schedules a drain-only job when triggers were queued while
// no job is pending, so they are answered without waiting for another
// message. It reports whether a job was scheduled.
func (t *Timer) EnsureFollowUp(ctx context.Context) (bool, error) {
	record, _, err := t.loadPending(ctx)
	if err != nil {
		return false, err
	}
	if record != nil {
		return false, nil
	}

	queued, err := t.backend.ListReadAll(ctx, t.keys.QueuedTriggers)
	if err != nil {
		return false, fmt.Errorf("failed to read queued triggers: %w", err)
	}
	if len(queued) == 0 {
		return false, nil
	}

	jobID, err := t.schedule(ctx, KindFollowUp, Trigger{})
	if err != nil {
		return false, err
	}

	written, err := t.writePending(ctx, PendingJobRecord{
		JobID:       jobID,
		Kind:        KindFollowUp,
		ScheduledAt: t.now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	if !written {
		t.cancel(ctx, jobID)
		return false, nil
	}

	t.logger.Info("Follow-up response scheduled",
		slog.String("job_id", jobID),
	)
	return true, nil
}

// forgetJob deletes the pending record if it still points at jobID.
func (t *Timer) forgetJob(ctx context.Context, jobID string) {
	record, raw, err := t.loadPending(ctx)
	if err != nil || record == nil || record.JobID != jobID {
		return
	}
	if _, err := t.backend.DeleteIfEquals(ctx, t.keys.PendingJob, raw); err != nil {
		t.logger.Warn("Failed to delete pending job record",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// supersede cancels the pending job and keeps its trigger in the window.
func (t *Timer) supersede(ctx context.Context, record *PendingJobRecord, raw string) {
	if t.cancel(ctx, record.JobID) && record.Kind == KindProcess {
		t.EnqueueIfBusy(ctx, record.Trigger, record.JobID)
	}

	if _, err := t.backend.DeleteIfEquals(ctx, t.keys.PendingJob, raw); err != nil {
		t.logger.Warn("Failed to delete superseded job record",
			slog.String("job_id", record.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// cancel reports false only when the dispatcher says the job is not pending,
// meaning it already ran (or is running) with its own trigger.
func (t *Timer) cancel(ctx context.Context, jobID string) bool {
	err := t.dispatcher.Cancel(ctx, jobID)
	if err == nil {
		return true
	}
	if errors.Is(err, dispatch.ErrJobNotFound) {
		t.logger.Debug("Job no longer pending",
			slog.String("job_id", jobID),
		)
		return false
	}

	t.logger.Warn("Failed to cancel job",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	return true
}

func (t *Timer) schedule(ctx context.Context, kind string, trigger Trigger) (string, error) {
	body, err := json.Marshal(JobPayload{Kind: kind, Trigger: trigger})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	jobID, err := t.dispatcher.Schedule(ctx, t.config.ProcessURL, body, t.config.Delay)
	if err != nil {
		t.logger.Error("Failed to schedule response",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrSchedulingFailed, err)
	}
	if jobID == "" {
		return "", fmt.Errorf("%w: empty job id", ErrSchedulingFailed)
	}
	return jobID, nil
}

func (t *Timer) writePending(ctx context.Context, record PendingJobRecord) (bool, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal pending job record: %w", err)
	}

	written, err := t.backend.Set(ctx, t.keys.PendingJob, string(body), delayqueue.SetOptions{OnlyIfAbsent: true})
	if err != nil {
		// The job is scheduled but untracked; cancel it so it cannot run twice
		// alongside the next message's job.
		t.cancel(ctx, record.JobID)
		return false, fmt.Errorf("failed to write pending job record: %w", err)
	}
	return written, nil
}

// loadPending returns the pending record and its raw value, or nil when none.
// A corrupt record is deleted and treated as absent.
func (t *Timer) loadPending(ctx context.Context) (*PendingJobRecord, string, error) {
	raw, err := t.backend.Get(ctx, t.keys.PendingJob)
	if errors.Is(err, delayqueue.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read pending job record: %w", err)
	}

	var record PendingJobRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil || record.JobID == "" {
		t.logger.Warn("Discarding corrupt pending job record")
		if _, err := t.backend.DeleteIfEquals(ctx, t.keys.PendingJob, raw); err != nil {
			return nil, "", fmt.Errorf("failed to delete corrupt pending job record: %w", err)
		}
		return nil, "", nil
	}
	return &record, raw, nil
}

func (t *Timer) selectMedia(ctx context.Context, media MediaReference) {
	body, err := json.Marshal(media)
	if err != nil {
		return
	}
	if _, err := t.backend.Set(ctx, t.keys.SelectedMedia, string(body), delayqueue.SetOptions{TTL: t.config.LockTTL() + t.config.OrphanAge()}); err != nil {
		t.logger.Warn("Failed to select media",
			slog.String("error", err.Error()),
		)
	}
}

func (t *Timer) dropRecord(ctx context.Context, raw string, result SweepResult) (SweepResult, error) {
	deleted, err := t.backend.DeleteIfEquals(ctx, t.keys.PendingJob, raw)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to delete pending job record: %w", err)
	}
	if !deleted {
		// Replaced by a newer message while we looked at it.
		return SweepResult{Action: SweepRecordGone, JobID: result.JobID}, nil
	}

	t.logger.Info("Pending job record swept",
		slog.String("action", result.Action),
		slog.String("job_id", result.JobID),
		slog.String("reason", result.Reason),
	)
	return result, nil
}
