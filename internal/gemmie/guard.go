package gemmie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/google/uuid"
)

// Lease is a held active job lock.
type Lease struct {
	Token      string    `json:"token"`
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`

	raw string
}

// Guard makes sure at most one response is generated at a time. The lock
// expires after Delay + LockMargin so a crashed holder cannot block forever.
type Guard struct {
	backend delayqueue.Backend
	key     string
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuard creates a Guard. config must have defaults applied.
func NewGuard(backend delayqueue.Backend, config *Config, logger *slog.Logger) *Guard {
	return &Guard{
		backend: backend,
		key:     NewKeys(config.KeyPrefix).ActiveJob,
		ttl:     config.LockTTL(),
		logger:  logger,
		now:     time.Now,
	}
}

// TryAcquire takes the lock for jobID. ok is false when it is already held.
func (g *Guard) TryAcquire(ctx context.Context, jobID string) (*Lease, bool, error) {
	lease := &Lease{
		Token:      uuid.New().String(),
		JobID:      jobID,
		AcquiredAt: g.now(),
	}
	body, err := json.Marshal(lease)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal lease: %w", err)
	}
	lease.raw = string(body)

	ok, err := g.backend.Set(ctx, g.key, lease.raw, delayqueue.SetOptions{TTL: g.ttl, OnlyIfAbsent: true})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire active job lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	g.logger.Debug("Active job lock acquired",
		slog.String("job_id", jobID),
		slog.Duration("ttl", g.ttl),
	)
	return lease, true, nil
}

// IsHeld reports whether anyone holds the lock.
func (g *Guard) IsHeld(ctx context.Context) (bool, error) {
	_, err := g.backend.Get(ctx, g.key)
	if errors.Is(err, delayqueue.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read active job lock: %w", err)
	}
	return true, nil
}

// Holder returns the job id of the current lock holder, or "" when free.
func (g *Guard) Holder(ctx context.Context) (string, error) {
	raw, err := g.backend.Get(ctx, g.key)
	if errors.Is(err, delayqueue.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active job lock: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return "", fmt.Errorf("failed to decode active job lock: %w", err)
	}
	return lease.JobID, nil
}

// Release frees the lock if lease still owns it. Releasing twice, releasing
// a nil lease or releasing after expiry are no-ops.
func (g *Guard) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.raw == "" {
		return nil
	}

	released, err := g.backend.DeleteIfEquals(ctx, g.key, lease.raw)
	if err != nil {
		return fmt.Errorf("failed to release active job lock: %w", err)
	}
	if !released {
		g.logger.Warn("Active job lock was no longer ours",
			slog.String("job_id", lease.JobID),
			slog.Duration("held_for", g.now().Sub(lease.AcquiredAt)),
		)
	}
	lease.raw = ""
	return nil
}
