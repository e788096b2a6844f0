package gemmie

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func burstMessages(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.UserName + ": " + l.Message
	}
	return out
}

func TestAggregator_BuildContext_OrdersBurst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	timer := h.service.Timer
	aggregator := h.service.Pipeline.aggregator

	first := h.trigger("alice", "first")
	second := h.trigger("bob", "second")
	trigger := h.trigger("carol", "third")

	// Appended out of order; sentAt decides.
	timer.EnqueueIfBusy(ctx, second, "job-2")
	timer.EnqueueIfBusy(ctx, first, "job-1")

	transcript, err := aggregator.BuildContext(ctx, trigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice: first", "bob: second", "carol: third"}, burstMessages(transcript.Burst))

	remaining, err := h.backend.ListReadAll(ctx, h.keys().QueuedTriggers)
	require.NoError(t, err)
	assert.Empty(t, remaining, "queue is drained")
}

func TestAggregator_BuildContext_TriggerFirstWhenQueuedAfter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	trigger := h.trigger("alice", "hello")
	h.service.Timer.EnqueueIfBusy(ctx, h.trigger("bob", "later"), "job-2")

	transcript, err := h.service.Pipeline.aggregator.BuildContext(ctx, trigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice: hello", "bob: later"}, burstMessages(transcript.Burst))
}

func TestAggregator_BuildContext_Filters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	timer := h.service.Timer

	answered := h.trigger("alice", "already answered")
	timer.EnqueueIfBusy(ctx, answered, "job-done")
	_, err := h.backend.SetAdd(ctx, h.keys().ProcessedJobs, "job-done", time.Hour)
	require.NoError(t, err)

	dup := h.trigger("bob", "same thing")
	timer.EnqueueIfBusy(ctx, dup, "job-2")
	timer.EnqueueIfBusy(ctx, dup, "job-3")

	require.NoError(t, h.backend.ListAppend(ctx, h.keys().QueuedTriggers, "{broken"))

	// The trigger itself also queued by a superseding message.
	trigger := h.trigger("carol", "hi")
	timer.EnqueueIfBusy(ctx, trigger, "job-4")

	transcript, err := h.service.Pipeline.aggregator.BuildContext(ctx, trigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob: same thing", "carol: hi"}, burstMessages(transcript.Burst))
}

func TestAggregator_BuildContext_Empty(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Pipeline.aggregator.BuildContext(context.Background(), Trigger{})
	assert.ErrorIs(t, err, ErrEmptyContext)
}

func TestAggregator_BuildContext_DrainError(t *testing.T) {
	h := newHarness(t)
	aggregator := NewAggregator(failingDrain{h.backend}, h.store, h.config, h.service.logger)

	_, err := aggregator.BuildContext(context.Background(), h.trigger("alice", "hi"))
	assert.ErrorIs(t, err, errDrain)
}

var errDrain = errors.New("drain failed")

type failingDrain struct {
	delayqueue.Backend
}

func (failingDrain) ListDrain(ctx context.Context, key string) ([]string, error) {
	return nil, errDrain
}

func TestAggregator_BuildContext_HistoryAndMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	trigger := h.trigger("bob", "nice pic")

	h.store.recent = []model.Message{
		{MessageID: "m1", UserName: "alice", Content: "look", Country: "BR"},
		{MessageID: "m2", UserName: "gemmie", Content: "ooh", IsGemmie: true},
		{MessageID: trigger.MessageID, UserName: "bob", Content: "nice pic", Country: "us"},
	}
	_, err := h.backend.Set(ctx, h.keys().SelectedMedia, `{"url":"http://cdn.local/cat.png","kind":"image"}`, delayqueue.SetOptions{})
	require.NoError(t, err)

	transcript, err := h.service.Pipeline.aggregator.BuildContext(ctx, trigger)
	require.NoError(t, err)

	require.Len(t, transcript.History, 2, "burst lines are not repeated as history")
	assert.Equal(t, "alice", transcript.History[0].UserName)
	assert.Equal(t, "br", transcript.History[0].Country)
	assert.True(t, transcript.History[1].IsGemmie)

	require.NotNil(t, transcript.Media)
	assert.Equal(t, "http://cdn.local/cat.png", transcript.Media.URL)

	_, err = h.backend.Get(ctx, h.keys().SelectedMedia)
	assert.ErrorIs(t, err, delayqueue.ErrNotFound, "media is used by one response only")
}

func TestAggregator_BuildContext_HistoryErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.store.recentErr = errors.New("db down")

	transcript, err := h.service.Pipeline.aggregator.BuildContext(context.Background(), h.trigger("alice", "hi"))
	require.NoError(t, err)
	assert.Empty(t, transcript.History)
	assert.Len(t, transcript.Burst, 1)
}

func TestAggregator_BuildContext_MediaOnlyTrigger(t *testing.T) {
	h := newHarness(t)
	trigger := h.trigger("alice", "")
	trigger.MediaURL = "http://cdn.local/clip.mp4"
	trigger.MediaType = "video/mp4"

	transcript, err := h.service.Pipeline.aggregator.BuildContext(context.Background(), trigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice: [sent a video]"}, burstMessages(transcript.Burst))
}
