package delayqueue

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Backend. It gives the same atomicity guarantees
// as Postgres within one process, which is what the tests and the single
// binary development setup need.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	lists   map[string][]string
	sets    map[string]map[string]time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock lets tests control expiry.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:     now,
		entries: make(map[string]memoryEntry),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]time.Time),
	}
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || expired(e.expiresAt, m.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.OnlyIfAbsent {
		if e, ok := m.entries[key]; ok && !expired(e.expiresAt, m.now()) {
			return false, nil
		}
	}

	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(opts.TTL)}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || expired(e.expiresAt, m.now()) || e.value != value {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) ListAppend(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) ListReadAll(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make([]string, len(m.lists[key]))
	copy(values, m.lists[key])
	return values, nil
}

func (m *Memory) ListDrain(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := m.lists[key]
	delete(m.lists, key)
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func (m *Memory) SetAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]time.Time)
		m.sets[key] = set
	}

	if exp, ok := set[member]; ok && !expired(exp, m.now()) {
		return false, nil
	}
	set[member] = m.expiry(ttl)
	return true, nil
}

func (m *Memory) SetContains(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.sets[key][member]
	return ok && !expired(exp, m.now()), nil
}
