package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, target_url, payload, status, worker_id, retry_count, max_retries, timeout_seconds, scheduled_for
		FROM dispatch_jobs
		WHERE job_id = $1
	`

	var job domain.Job
	var workerID sql.NullString

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.JobID,
		&job.TargetURL,
		&job.Payload,
		&job.Status,
		&workerID,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutSeconds,
		&job.ScheduledFor,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if workerID.Valid {
		job.WorkerID = workerID.String
	}

	return &job, nil
}

// ClaimJob attempts to claim a job using optimistic locking
// Returns full job details on success, ErrJobAlreadyClaimed if the job was
// canceled, already claimed or doesn't exist
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE dispatch_jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING job_id, target_url, payload, retry_count, max_retries, timeout_seconds, scheduled_for
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, workerID, jobID, domain.JobStatusPending).Scan(
		&job.JobID,
		&job.TargetURL,
		&job.Payload,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutSeconds,
		&job.ScheduledFor,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed, canceled or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("target_url", job.TargetURL),
	)

	return &job, nil
}

// UpdateJobStatus updates the job status and optionally sets result/error
func (s *Storage) UpdateJobStatus(ctx context.Context, jobID, status string, result map[string]interface{}, errorMsg string) error {
	query := `
		UPDATE dispatch_jobs
		SET status = $1::text,
			result = $2,
			error_message = $3,
			completed_at = CASE
				WHEN $1::text IN ($4::text, $5::text) THEN NOW()
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE job_id = $6
	`

	var resultJSON []byte
	var err error
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	var resultArg interface{}
	if resultJSON != nil {
		resultArg = string(resultJSON)
	}

	_, err = s.db.ExecContext(ctx, query, status, resultArg, errorMsg, domain.JobStatusCompleted, domain.JobStatusFailed, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// RescheduleJob puts a running job back to PENDING for another delivery
// attempt after delay.
func (s *Storage) RescheduleJob(ctx context.Context, jobID string, delay time.Duration, errorMsg string) error {
	query := `
		UPDATE dispatch_jobs
		SET status = $1,
		    worker_id = NULL,
		    retry_count = retry_count + 1,
		    error_message = $2,
		    scheduled_for = NOW() + $3::float8 * INTERVAL '1 second',
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, errorMsg, delay.Seconds(), jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a running job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE dispatch_jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// FailStaleJobs marks RUNNING jobs whose heartbeat is older than staleAfter
// as FAILED. Their worker died mid-delivery.
func (s *Storage) FailStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE dispatch_jobs
		SET status = $1,
		    error_message = 'heartbeat lost',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = $2
		  AND last_heartbeat_at < NOW() - $3::float8 * INTERVAL '1 second'
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, domain.JobStatusRunning, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Warn("Stale running jobs marked as failed",
			slog.Int64("count", rowsAffected),
		)
	}

	return rowsAffected, nil
}
