// Package delayqueue is the shared key-value/list/set store behind the
// response scheduler: pending job records, queued triggers, the active job
// lock and the selected media reference all live here.
//
// Every mutation that other invocations may race on is a single atomic
// primitive (set-if-absent, compare-and-delete, drain).
package delayqueue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// SetOptions controls Set.
type SetOptions struct {
	// TTL of zero means the entry never expires.
	TTL time.Duration
	// OnlyIfAbsent makes Set a no-op when a live entry already exists.
	OnlyIfAbsent bool
}

// Backend is implemented by Postgres (production) and Memory (tests, single
// process development).
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	// Set reports whether the value was written; it is only false when
	// OnlyIfAbsent was requested and a live entry exists.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals deletes key only while it still holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	ListAppend(ctx context.Context, key, value string) error
	ListReadAll(ctx context.Context, key string) ([]string, error)
	// ListDrain atomically reads and clears the list, oldest first. An append
	// racing with the drain is either returned or left for the next drain,
	// never lost and never returned twice.
	ListDrain(ctx context.Context, key string) ([]string, error)

	// SetAdd reports whether member was newly added.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error)
	SetContains(ctx context.Context, key, member string) (bool, error)
}
