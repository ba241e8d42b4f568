package history

import "time"

// Message is a single chat line persisted in the store.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingRecord is a stored vector joined with the message it belongs to.
// Vector holds the packed float32 bytes exactly as written.
type EmbeddingRecord struct {
	Message Message
	Vector  []byte
	Dim     int
	Model   string
}

// ChatSummary describes one chat known to the store.
type ChatSummary struct {
	ChatID   int64     `json:"chat_id"`
	Messages int       `json:"messages"`
	LastAt   time.Time `json:"last_at"`
}
