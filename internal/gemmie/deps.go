package gemmie

import (
	"context"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/dispatch"
)

// Dispatcher schedules deferred callbacks. Cancel and Status return
// dispatch.ErrJobNotFound for unknown (or, for Cancel, no longer pending) jobs.
type Dispatcher interface {
	Schedule(ctx context.Context, targetURL string, payload []byte, delay time.Duration) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*dispatch.Status, error)
}

// MessageStore is the part of the chat store Gemmie reads and writes.
type MessageStore interface {
	PersistGeneratedMessage(ctx context.Context, userName, content string) (*model.Message, error)
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, limit int) ([]model.Message, error)
}

// EventPublisher fans events out to realtime subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
}
