package gemmie

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/cuongbtq/gemmie-chat/internal/dispatch"
	"github.com/cuongbtq/gemmie-chat/internal/llm"
	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/stretchr/testify/require"
)

type scheduledJob struct {
	id      string
	url     string
	payload []byte
	delay   time.Duration
	state   string
	at      time.Time
}

type fakeDispatcher struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]*scheduledJob
	order       []string
	scheduleErr error
	emptyID     bool
	cancelErr   error
	statusErr   error
	now         func() time.Time
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{jobs: make(map[string]*scheduledJob)}
}

func (f *fakeDispatcher) Schedule(ctx context.Context, targetURL string, payload []byte, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	if f.emptyID {
		return "", nil
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	job := &scheduledJob{id: id, url: targetURL, payload: payload, delay: delay, state: domain.JobStatusPending}
	if f.now != nil {
		job.at = f.now().Add(delay)
	}
	f.jobs[id] = job
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelErr != nil {
		return f.cancelErr
	}
	job, ok := f.jobs[jobID]
	if !ok || job.state != domain.JobStatusPending {
		return dispatch.ErrJobNotFound
	}
	job.state = domain.JobStatusCanceled
	return nil
}

func (f *fakeDispatcher) Status(ctx context.Context, jobID string) (*dispatch.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	return &dispatch.Status{ScheduledFor: job.at, State: job.state}, nil
}

// reschedule moves a job's due time the way a retried delivery does.
func (f *fakeDispatcher) reschedule(jobID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].at = at
}

func (f *fakeDispatcher) setState(jobID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].state = state
}

// pending returns the jobs still waiting for delivery.
func (f *fakeDispatcher) pending() []*scheduledJob {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*scheduledJob
	for _, id := range f.order {
		if job := f.jobs[id]; job.state == domain.JobStatusPending {
			out = append(out, job)
		}
	}
	return out
}

// deliver claims a pending job the way the worker would.
func (f *fakeDispatcher) deliver(t *testing.T, jobID string) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	require.True(t, ok, "unknown job %s", jobID)
	require.Equal(t, domain.JobStatusPending, job.state, "job %s is not pending", jobID)
	job.state = domain.JobStatusCompleted
	return job.payload
}

type fakeStore struct {
	mu         sync.Mutex
	persisted  []model.Message
	recent     []model.Message
	persistErr error
	recentErr  error
}

func (f *fakeStore) PersistGeneratedMessage(ctx context.Context, userName, content string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.persistErr != nil {
		return nil, f.persistErr
	}
	msg := model.Message{
		MessageID: fmt.Sprintf("msg-%d", len(f.persisted)+1),
		UserName:  userName,
		Content:   content,
		Country:   UnknownCountry,
		IsGemmie:  true,
		CreatedAt: time.Now(),
	}
	f.persisted = append(f.persisted, msg)
	return &msg, nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if len(f.recent) > limit {
		return f.recent[len(f.recent)-limit:], nil
	}
	return f.recent, nil
}

type publishedEvent struct {
	channel string
	event   string
	payload interface{}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakeEvents) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{channel: channel, event: event, payload: payload})
	return nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(req llm.Request) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.reply(req)
}

func replyWith(text string) *fakeCompleter {
	return &fakeCompleter{reply: func(llm.Request) (string, error) { return text, nil }}
}

func failWith(err error) *fakeCompleter {
	return &fakeCompleter{reply: func(llm.Request) (string, error) { return "", err }}
}

var errUpstream = errors.New("upstream unavailable")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *Config {
	cfg := &Config{
		ProcessURL: "http://chat.local/api/v1/gemmie/process",
		ReactURL:   "http://chat.local/api/v1/gemmie/react",
	}
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	config     *Config
	clock      *testClock
	backend    *delayqueue.Memory
	dispatcher *fakeDispatcher
	store      *fakeStore
	events     *fakeEvents
	primary    *fakeCompleter
	cleanup    *fakeCompleter
	service    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 11, 23, 0, 39, 45, 0, time.UTC)}
	h := &harness{
		config:     testConfig(),
		clock:      clock,
		backend:    delayqueue.NewMemoryWithClock(clock.Now),
		dispatcher: newFakeDispatcher(),
		store:      &fakeStore{},
		events:     &fakeEvents{},
		primary:    replyWith("haha same, mondays are rough."),
		cleanup:    failWith(errUpstream),
	}

	h.build(h.backend)
	return h
}

// build wires the service on top of backend, which may wrap h.backend.
func (h *harness) build(backend delayqueue.Backend) {
	h.service = New(*h.config, Dependencies{
		Backend:    backend,
		Dispatcher: h.dispatcher,
		Store:      h.store,
		Events:     h.events,
		Primary:    h.primary,
		Cleanup:    h.cleanup,
		Rand:       rand.New(rand.NewSource(7)),
		Logger:     logger.Discard(),
	})
	h.dispatcher.now = h.clock.Now
	h.service.Timer.now = h.clock.Now
	h.service.Guard.now = h.clock.Now
	h.service.Pipeline.generator.now = h.clock.Now
}

// hookedBackend runs afterDelete once, right after key is deleted through
// DeleteIfEquals.
type hookedBackend struct {
	*delayqueue.Memory
	key         string
	afterDelete func()
}

func (b *hookedBackend) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	deleted, err := b.Memory.DeleteIfEquals(ctx, key, value)
	if deleted && key == b.key && b.afterDelete != nil {
		hook := b.afterDelete
		b.afterDelete = nil
		hook()
	}
	return deleted, err
}

func (h *harness) keys() Keys {
	return NewKeys(h.config.KeyPrefix)
}

func (h *harness) trigger(user, message string) Trigger {
	h.clock.Advance(time.Second)
	return Trigger{
		UserName:    user,
		UserMessage: message,
		UserCountry: "US",
		SentAt:      h.clock.Now().UnixMilli(),
		MessageID:   fmt.Sprintf("%s-%d", user, h.clock.Now().Unix()),
	}
}
