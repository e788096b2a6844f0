package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/domain"
	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Schema creates the chat message table.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id UUID PRIMARY KEY,
	user_name  TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	country    TEXT NOT NULL DEFAULT 'xx',
	media_url  TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT '',
	is_gemmie  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at DESC, message_id DESC);
`

const messageColumns = `message_id, user_name, content, country, media_url, media_type, is_gemmie, created_at`

type Storage struct {
	pg *postgresql.Client
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		pg: pg,
		db: pg.GetDB(),
	}
}

// EnsureSchema creates the messages table if needed.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	return s.pg.EnsureSchema(ctx, "messages", Schema)
}

func (s *Storage) CreateMessage(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages (
			message_id, user_name, content, country,
			media_url, media_type, is_gemmie, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		msg.MessageID,
		msg.UserName,
		msg.Content,
		msg.Country,
		msg.MediaURL,
		msg.MediaType,
		msg.IsGemmie,
		msg.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// PersistGeneratedMessage stores a reply written by Gemmie.
func (s *Storage) PersistGeneratedMessage(ctx context.Context, userName, content string) (*model.Message, error) {
	msg := &model.Message{
		MessageID: uuid.New().String(),
		UserName:  userName,
		Content:   content,
		Country:   "xx",
		IsGemmie:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Storage) GetMessageByID(ctx context.Context, messageID string) (*model.Message, error) {
	var msg model.Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1`

	err := s.db.GetContext(ctx, &msg, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// RecentMessages returns the last limit messages, oldest first.
func (s *Storage) RecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT ` + messageColumns + `
			FROM messages
			ORDER BY created_at DESC, message_id DESC
			LIMIT $1
		) recent
		ORDER BY created_at ASC, message_id ASC
	`

	var messages []model.Message
	if err := s.db.SelectContext(ctx, &messages, query, limit); err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	return messages, nil
}

type MessageFilter struct {
	UserName string
	PageSize int
	Cursor   *MessageCursor
}

type MessageCursor struct {
	CreatedAt time.Time
	MessageID string
}

// ListMessages returns newest first, one row more than PageSize when more
// pages exist.
func (s *Storage) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	query := `
        SELECT ` + messageColumns + `
        FROM messages
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.UserName != "" {
		query += fmt.Sprintf(" AND user_name = $%d", argIdx)
		args = append(args, filter.UserName)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, message_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.MessageID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, message_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var messages []model.Message
	err := s.db.SelectContext(ctx, &messages, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return messages, nil
}
