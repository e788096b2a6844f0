// Package realtime fans chat events out to subscribers through a RabbitMQ
// topic exchange. Gateways bind queues with patterns such as "chat.*".
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event names published by the chat service.
const (
	EventNewMessage    = "new-message"
	EventReactionAdded = "reaction-added"
)

// Broker publishes a body under a routing key.
type Broker interface {
	PublishRouted(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Envelope is the wire format of every event.
type Envelope struct {
	Channel     string          `json:"channel"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Publisher implements publish(channel, event, payload).
type Publisher struct {
	broker Broker
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
}

// RoutingKey is "<channel>.<event>" with dots in either part replaced.
func RoutingKey(channel, event string) string {
	return strings.ReplaceAll(channel, ".", "_") + "." + strings.ReplaceAll(event, ".", "_")
}

// Publish marshals payload into an Envelope and sends it.
func (p *Publisher) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	body, err := json.Marshal(Envelope{
		Channel:     channel,
		Event:       event,
		Payload:     raw,
		PublishedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := p.broker.PublishRouted(ctx, RoutingKey(channel, event), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", event, channel, err)
	}

	p.logger.Debug("Event published",
		slog.String("channel", channel),
		slog.String("event", event),
	)
	return nil
}
