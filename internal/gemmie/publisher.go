package gemmie

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/realtime"
)

// MessageEvent is the new-message payload seen by chat clients.
type MessageEvent struct {
	MessageID string    `json:"message_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Country   string    `json:"country"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	IsGemmie  bool      `json:"is_gemmie"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessageEvent converts a stored message.
func NewMessageEvent(m *model.Message) MessageEvent {
	return MessageEvent{
		MessageID: m.MessageID,
		UserName:  m.UserName,
		Content:   m.Content,
		Country:   m.Country,
		MediaURL:  m.MediaURL,
		MediaType: m.MediaType,
		IsGemmie:  m.IsGemmie,
		CreatedAt: m.CreatedAt,
	}
}

// Publisher stores Gemmie's reply and announces it.
type Publisher struct {
	store   MessageStore
	events  EventPublisher
	name    string
	channel string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(store MessageStore, events EventPublisher, config *Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:   store,
		events:  events,
		name:    config.Name,
		channel: config.Channel,
		logger:  logger,
	}
}

// Publish persists content and then fans it out. Nothing is fanned out when
// persisting fails.
func (p *Publisher) Publish(ctx context.Context, content string) (*model.Message, error) {
	msg, err := p.store.PersistGeneratedMessage(ctx, p.name, content)
	if err != nil {
		return nil, fmt.Errorf("failed to persist reply: %w", err)
	}

	if err := p.events.Publish(ctx, p.channel, realtime.EventNewMessage, NewMessageEvent(msg)); err != nil {
		return msg, fmt.Errorf("failed to publish reply: %w", err)
	}

	p.logger.Info("Reply published",
		slog.String("message_id", msg.MessageID),
		slog.String("channel", p.channel),
	)
	return msg, nil
}
