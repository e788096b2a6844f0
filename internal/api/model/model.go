package model

import "time"

// Message is one chat line, from a person or from Gemmie.
type Message struct {
	MessageID string    `db:"message_id"`
	UserName  string    `db:"user_name"`
	Content   string    `db:"content"`
	Country   string    `db:"country"`
	MediaURL  string    `db:"media_url"`
	MediaType string    `db:"media_type"`
	IsGemmie  bool      `db:"is_gemmie"`
	CreatedAt time.Time `db:"created_at"`
}
