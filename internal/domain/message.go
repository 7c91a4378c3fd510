package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

var (
	// PendingMetadata flags an assistant placeholder whose response is still streaming.
	PendingMetadata = json.RawMessage(`{"pending":true}`)
	// ErrorMetadata flags a placeholder whose stream ended in failure.
	ErrorMetadata = json.RawMessage(`{"error":true}`)
)

// Message is a single transcript entry.
//
// ClientID, Position and CreatedAt are only populated for persisted rows.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Parts     []Part          `json:"parts"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ClientID  string          `json:"-"`
	Position  int             `json:"-"`
	CreatedAt time.Time       `json:"-"`
}

// IsPending reports whether the message metadata carries pending=true.
func (m *Message) IsPending() bool {
	if len(m.Metadata) == 0 {
		return false
	}
	var meta struct {
		Pending bool `json:"pending"`
	}
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return false
	}
	return meta.Pending
}

// Text joins the text parts of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind() == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FirstUserText returns the text of the first user message that has any.
func FirstUserText(messages []Message) string {
	for i := range messages {
		if messages[i].Role != RoleUser {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}

// MessageKey is the identity of a stored message used during reconciliation.
type MessageKey struct {
	ID        string
	ClientID  string
	CreatedAt time.Time
}
