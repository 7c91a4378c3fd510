// Package agent runs chat turns: it authorizes the caller, enforces the usage
// ceiling, persists the pending transcript and streams model output.
package agent

import (
	"encoding/json"
	"errors"

	"github.com/ashureev/chatd/internal/domain"
)

// Fixed user-facing error texts.
const (
	PersistErrorMessage = "We couldn't save this chat. Please retry."
	StreamErrorMessage  = "Chat failed to send. Please try again."
	RateLimitMessage    = "Too many AI requests. Please try again in a few hours."
)

// ErrConversationNotFound covers both missing conversations and ones owned by
// someone else; callers cannot tell the two apart.
var ErrConversationNotFound = errors.New("chat not found")

// RateLimitError is returned when the caller's usage ceiling is reached.
// Grant is set when authorization minted a fresh grant.
type RateLimitError struct {
	Grant string
}

func (e *RateLimitError) Error() string { return "ai usage limit reached" }

// PersistenceError wraps a failed transcript write.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persist chat: " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// State is a turn's position in its lifecycle.
type State string

const (
	StateAuthorizing    State = "authorizing"
	StateRateChecking   State = "rate_checking"
	StatePersisting     State = "persisting"
	StateStreaming      State = "streaming"
	StateFinalizedOK    State = "finalized_success"
	StateFinalizedError State = "finalized_failure"
	StateAbandoned      State = "abandoned"
)

// SendRequest is one chat turn as received from the client.
type SendRequest struct {
	ConversationID  string
	Messages        []domain.Message
	Type            string
	Data            json.RawMessage
	Context         string
	ClientMessageID string
	Grant           string
	User            domain.ChatUser
	Mobile          bool
}

// StreamEvent types.
const (
	EventStart               = "start"
	EventStartStep           = "start-step"
	EventTextStart           = "text-start"
	EventTextDelta           = "text-delta"
	EventTextEnd             = "text-end"
	EventReasoningStart      = "reasoning-start"
	EventReasoningDelta      = "reasoning-delta"
	EventReasoningEnd        = "reasoning-end"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"
	EventToolOutputError     = "tool-output-error"
	EventFinishStep          = "finish-step"
	EventFinish              = "finish"
	EventError               = "error"
)

// StreamEvent is one UI message stream event.
type StreamEvent struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Delta           string          `json:"delta,omitempty"`
	ToolCallID      string          `json:"toolCallId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ErrorText       string          `json:"errorText,omitempty"`
	Code            string          `json:"code,omitempty"`
	MessageMetadata json.RawMessage `json:"messageMetadata,omitempty"`
}
