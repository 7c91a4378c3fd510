package domain

import (
	"encoding/json"
	"time"
)

// Conversation is a persisted chat thread owned by a single address.
type Conversation struct {
	ID        string
	Owner     string
	Type      string
	Title     string
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTitle returns true if a title has been stored for the conversation.
func (c *Conversation) HasTitle() bool {
	return c.Title != ""
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID        string          `json:"id"`
	Title     *string         `json:"title"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"-"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
