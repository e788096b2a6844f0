// Package dispatch schedules deferred, signed HTTP callbacks. A job is a row
// in dispatch_jobs plus a message parked in the RabbitMQ delay queue; the
// worker service claims the row when the message expires into the work queue
// and delivers the callback at least once.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned by Cancel and Status when the job does not exist
// or, for Cancel, is no longer pending.
var ErrJobNotFound = domain.ErrJobNotFound

// Publisher parks a message until delay has elapsed.
type Publisher interface {
	PublishDelayed(ctx context.Context, messageID string, body []byte, contentType string, delay time.Duration) error
}

// Config holds per-job delivery defaults.
type Config struct {
	MaxRetries int
	Timeout    time.Duration
}

// Status is the dispatcher's view of one job.
type Status struct {
	ScheduledFor time.Time `db:"scheduled_for"`
	State        string    `db:"status"`
}

// Terminal reports whether the job will never be delivered (again).
func (s *Status) Terminal() bool {
	return domain.IsTerminal(s.State)
}

// Client is the scheduling side of the dispatcher.
type Client struct {
	db        *sqlx.DB
	publisher Publisher
	config    Config
	logger    *slog.Logger
}

// NewClient creates a dispatcher client.
func NewClient(pg *postgresql.Client, publisher Publisher, config Config, logger *slog.Logger) *Client {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		db:        pg.GetDB(),
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// Schedule registers a callback to targetURL with payload after delay and
// returns its job id.
func (c *Client) Schedule(ctx context.Context, targetURL string, payload []byte, delay time.Duration) (string, error) {
	if targetURL == "" {
		return "", fmt.Errorf("target url is required")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}
	if delay < 0 {
		delay = 0
	}

	jobID := uuid.New().String()

	query := `
		INSERT INTO dispatch_jobs (
			job_id, target_url, payload, status,
			max_retries, timeout_seconds, scheduled_for
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NOW() + $7::float8 * INTERVAL '1 second'
		)
	`

	_, err := c.db.ExecContext(ctx, query,
		jobID,
		targetURL,
		string(payload),
		domain.JobStatusPending,
		c.config.MaxRetries,
		int(c.config.Timeout.Seconds()),
		delay.Seconds(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create dispatch job: %w", err)
	}

	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := c.publisher.PublishDelayed(ctx, jobID, body, "application/json", delay); err != nil {
		// Without a message the row would never be delivered.
		if _, markErr := c.db.ExecContext(ctx,
			`UPDATE dispatch_jobs SET status = $1, error_message = $2, updated_at = NOW() WHERE job_id = $3`,
			domain.JobStatusFailed, err.Error(), jobID,
		); markErr != nil {
			c.logger.Error("Failed to mark unpublished job as failed",
				slog.String("job_id", jobID),
				slog.Any("error", markErr),
			)
		}
		return "", fmt.Errorf("failed to publish dispatch job: %w", err)
	}

	c.logger.Info("Dispatch job scheduled",
		slog.String("job_id", jobID),
		slog.String("target_url", targetURL),
		slog.Duration("delay", delay),
	)

	return jobID, nil
}

// Cancel prevents a pending job from being delivered. ErrJobNotFound means
// the job is unknown or already claimed, finished or canceled.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return ErrJobNotFound
	}

	query := `
		UPDATE dispatch_jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	result, err := c.db.ExecContext(ctx, query, domain.JobStatusCanceled, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel dispatch job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	c.logger.Info("Dispatch job canceled", slog.String("job_id", jobID))
	return nil
}

// Status returns when the job is due and its current state.
func (c *Client) Status(ctx context.Context, jobID string) (*Status, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}

	var status Status
	err := c.db.GetContext(ctx, &status,
		`SELECT scheduled_for, status FROM dispatch_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get dispatch job status: %w", err)
	}

	return &status, nil
}
