package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/api/storage"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
)

// MessageStore is the message persistence used by the handlers
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, filter storage.MessageFilter) ([]model.Message, error)
}

// EventPublisher fans chat events out to realtime subscribers
type EventPublisher interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
}

// Responder is Gemmie as seen from HTTP
type Responder interface {
	OnUserMessage(ctx context.Context, trigger gemmie.Trigger) (string, error)
	HandleProcessCallback(ctx context.Context, jobID string, body []byte) (*gemmie.Result, error)
	HandleReactCallback(ctx context.Context, body []byte) error
	CancelAllPending(ctx context.Context) (bool, error)
	CleanupOrphans(ctx context.Context) (gemmie.SweepResult, error)
}

// ConnectionChecker reports whether a broker connection is still up
type ConnectionChecker interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	DBClient      *postgresql.Client
	Brokers       map[string]ConnectionChecker
	Messages      MessageStore
	Events        EventPublisher
	Gemmie        Responder
	Channel       string
	GemmieName    string
	SigningSecret string
	AdminToken    string
}

// MessageHandler handles chat message HTTP requests
type MessageHandler struct {
	logger     *slog.Logger
	messages   MessageStore
	events     EventPublisher
	gemmie     Responder
	channel    string
	gemmieName string
}

// NewMessageHandler creates a new MessageHandler instance
func NewMessageHandler(deps *Dependencies) *MessageHandler {
	return &MessageHandler{
		logger:     deps.Logger,
		messages:   deps.Messages,
		events:     deps.Events,
		gemmie:     deps.Gemmie,
		channel:    deps.Channel,
		gemmieName: deps.GemmieName,
	}
}

// GemmieHandler handles dispatcher callbacks and admin operations
type GemmieHandler struct {
	logger *slog.Logger
	gemmie Responder
}

// NewGemmieHandler creates a new GemmieHandler instance
func NewGemmieHandler(deps *Dependencies) *GemmieHandler {
	return &GemmieHandler{
		logger: deps.Logger,
		gemmie: deps.Gemmie,
	}
}
