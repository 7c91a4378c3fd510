package agent

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/chatd/internal/chat"
	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/llm"
	"github.com/ashureev/chatd/internal/lock"
	"github.com/ashureev/chatd/internal/tools"
	"github.com/ashureev/chatd/internal/usage"
)

// Processor produces model output for an assembled prompt.
// This interface is implemented by the llm client.
type Processor interface {
	Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.Chunk, error]
}

// Transcripts persists chat turns.
type Transcripts interface {
	Reconcile(ctx context.Context, in chat.ReconcileInput) ([]domain.Message, error)
	ClearPlaceholderIfUnclaimed(ctx context.Context, conversationID, placeholderID string, final []domain.Message) error
	MarkPlaceholderFailed(ctx context.Context, conversationID, placeholderID, message string) error
}

// Conversations looks up conversation ownership.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// UsagePolicy gates and meters AI usage per address.
type UsagePolicy interface {
	Available(ctx context.Context, address string) (bool, error)
	RecordAsync(address string, tokens int64)
}

// Toolbox exposes the functions the model may call.
type Toolbox interface {
	Definitions() []openai.Tool
	// Prompts returns system prompt sections describing the tools.
	Prompts(ctx context.Context) []string
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Locker serializes writes to one conversation.
type Locker interface {
	WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error
}

var (
	_ Processor   = (*llm.Client)(nil)
	_ Transcripts = (*chat.MessageStore)(nil)
	_ UsagePolicy = (*usage.Policy)(nil)
	_ Locker      = (*lock.Locker)(nil)
	_ Toolbox     = (*tools.Registry)(nil)
)
