// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatd/internal/domain"
)

// ListFilter selects conversations for the list view.
type ListFilter struct {
	Owner string
	// Type restricts results to one classification when non-empty.
	Type  string
	Limit int
}

// Repository defines the interface for persisting conversations and messages.
type Repository interface {
	// CreateConversation inserts conv unless the id is taken. It reports
	// whether this call created the row.
	CreateConversation(ctx context.Context, conv *domain.Conversation) (bool, error)

	// GetConversation reads a conversation from the primary. It returns nil
	// without error when the id does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recently
	// updated first. Served from a read replica when configured.
	ListConversations(ctx context.Context, filter ListFilter) ([]domain.ConversationSummary, error)

	// SetTitleIfUnset stores title only when no title has been written yet.
	SetTitleIfUnset(ctx context.Context, id, title string) (bool, error)

	// ListMessages returns the conversation's messages ordered by position.
	// Served from a read replica when configured.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// MessageKeys returns the identity of every stored message, read from the primary.
	MessageKeys(ctx context.Context, conversationID string) ([]domain.MessageKey, error)

	// SaveTranscript upserts the conversation, upserts messages and removes
	// every other message of the conversation, in one transaction.
	SaveTranscript(ctx context.Context, conv *domain.Conversation, messages []domain.Message) error

	// UpdateMessageContent overwrites parts and metadata of one message.
	UpdateMessageContent(ctx context.Context, conversationID string, msg *domain.Message) (bool, error)

	// DeleteMessage removes one message.
	DeleteMessage(ctx context.Context, conversationID, messageID string) (bool, error)

	// DeleteStalePending removes pending placeholders created before cutoff.
	DeleteStalePending(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes all database connections.
	Close() error
}
