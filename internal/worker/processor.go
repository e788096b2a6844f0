package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
)

// maxRetryBackoff caps the exponential retry delay
const maxRetryBackoff = 5 * time.Minute

// processJob claims one job, delivers its callback and records the outcome
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: Claim job from database (PENDING → RUNNING)
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			// Canceled, delivered already, or taken by another worker
			return fmt.Errorf("job already claimed: %w", err)
		}
		// Database error - could be transient
		w.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 2: Validate payload before sending it anywhere
	if !json.Valid([]byte(job.Payload)) {
		_ = w.storage.UpdateJobStatus(ctx, job.JobID, domain.JobStatusFailed, nil, "invalid payload JSON")
		return fmt.Errorf("%w: job %s", domain.ErrInvalidPayload, job.JobID)
	}

	// Step 3: Create timeout context from job.timeout_seconds
	jobTimeout := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		jobTimeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	// Step 4: Start heartbeat goroutine
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: Deliver the callback
	statusCode, err := w.sender.Send(jobCtx, job)
	if err == nil {
		w.logger.Info("Callback delivered",
			slog.String("job_id", job.JobID),
			slog.Int("status_code", statusCode),
		)

		result := map[string]interface{}{"status_code": statusCode}
		if updateErr := w.storage.UpdateJobStatus(ctx, job.JobID, domain.JobStatusCompleted, result, ""); updateErr != nil {
			// Delivered but not recorded - still ACK, a redelivery would call the target twice
			w.logger.Error("Failed to update job status to COMPLETED",
				slog.String("job_id", job.JobID),
				slog.String("error", updateErr.Error()),
			)
		}
		return nil
	}

	w.logger.Error("Callback delivery failed",
		slog.String("job_id", job.JobID),
		slog.Int("status_code", statusCode),
		slog.Int("retry_count", job.RetryCount),
		slog.String("error", err.Error()),
	)

	// Step 6: Retry later or give up
	if domain.IsRetryable(err) && job.RetryCount < job.MaxRetries {
		return w.rescheduleJob(ctx, job, err)
	}

	if updateErr := w.storage.UpdateJobStatus(ctx, job.JobID, domain.JobStatusFailed, map[string]interface{}{"status_code": statusCode}, err.Error()); updateErr != nil {
		w.logger.Error("Failed to update job status to FAILED",
			slog.String("job_id", job.JobID),
			slog.String("error", updateErr.Error()),
		)
	}

	if domain.IsRetryable(err) {
		w.logger.Warn("Job exceeded max retries",
			slog.String("job_id", job.JobID),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
		)
		return fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, err)
	}

	return err
}

// rescheduleJob parks a failed job in the delay queue with exponential backoff
func (w *Worker) rescheduleJob(ctx context.Context, job *domain.Job, cause error) error {
	delay := retryDelay(w.retryBackoff, job.RetryCount)

	if err := w.storage.RescheduleJob(ctx, job.JobID, delay, cause.Error()); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to reschedule job: %w", err))
	}

	body, err := json.Marshal(domain.JobMessage{JobID: job.JobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := w.broker.PublishDelayed(ctx, job.JobID, body, "application/json", delay); err != nil {
		// The row is PENDING again, so requeueing the current delivery retries it now
		return domain.NewRetryableError(fmt.Errorf("failed to publish retry: %w", err))
	}

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("retry_count", job.RetryCount+1),
		slog.Int("max_retries", job.MaxRetries),
		slog.Duration("retry_after", delay),
	)

	return fmt.Errorf("%w: %v", domain.ErrJobRescheduled, cause)
}

func retryDelay(base time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
