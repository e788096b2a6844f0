package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	routingKey string
	body       []byte
	err        error
}

func (f *fakeBroker) PublishRouted(ctx context.Context, routingKey string, body []byte, contentType string) error {
	f.routingKey = routingKey
	f.body = body
	return f.err
}

func TestPublisher_Publish(t *testing.T) {
	broker := &fakeBroker{}
	p := NewPublisher(broker, logger.Discard())
	p.now = func() time.Time { return time.Unix(1763858385, 0) }

	err := p.Publish(context.Background(), "chat", EventNewMessage, map[string]string{"content": "hi"})
	require.NoError(t, err)

	assert.Equal(t, "chat.new-message", broker.routingKey)

	var env Envelope
	require.NoError(t, json.Unmarshal(broker.body, &env))
	assert.Equal(t, "chat", env.Channel)
	assert.Equal(t, EventNewMessage, env.Event)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.Payload))
	assert.Equal(t, int64(1763858385), env.PublishedAt.Unix())
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisher(&fakeBroker{err: errors.New("channel closed")}, logger.Discard())

	err := p.Publish(context.Background(), "chat", EventReactionAdded, struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "chat.new-message", RoutingKey("chat", "new-message"))
	assert.Equal(t, "room_1.ev_x", RoutingKey("room.1", "ev.x"))
}
