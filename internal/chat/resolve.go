package chat

import (
	"strings"
	"time"

	"github.com/ashureev/chatd/internal/domain"
)

// resolveMessages maps an incoming transcript onto stored row identities.
//
// Precedence per entry: an existing row with the same id, then an existing
// row whose client id equals the entry's id or the caller-supplied client id,
// then a fresh identity. Only the last user entry may claim the caller's
// client id. Repeated ids keep their first occurrence and positions stay dense.
func resolveMessages(incoming []domain.Message, existing []domain.MessageKey, clientMessageID string, now time.Time, newID func() string) []domain.Message {
	byID := make(map[string]domain.MessageKey, len(existing))
	byClientID := make(map[string]domain.MessageKey, len(existing))
	for _, k := range existing {
		byID[k.ID] = k
		if k.ClientID != "" {
			byClientID[k.ClientID] = k
		}
	}

	lastUserIndex := -1
	for i := range incoming {
		if incoming[i].Role == domain.RoleUser {
			lastUserIndex = i
		}
	}
	requested := strings.TrimSpace(clientMessageID)

	out := make([]domain.Message, 0, len(incoming))
	seenIDs := make(map[string]struct{}, len(incoming))
	seenClientIDs := make(map[string]struct{}, len(incoming))

	for i, m := range incoming {
		isUser := m.Role == domain.RoleUser
		var incomingClientID string
		if isUser && i == lastUserIndex {
			incomingClientID = requested
		}

		r := m
		r.CreatedAt = now

		if row, ok := byID[m.ID]; ok && m.ID != "" {
			r.CreatedAt = row.CreatedAt
			r.ClientID = ""
			if isUser {
				r.ClientID = row.ClientID
				if r.ClientID == "" {
					r.ClientID = incomingClientID
				}
			}
		} else if row, ok := lookupClient(byClientID, m.ID, incomingClientID); ok {
			r.ID = row.ID
			r.ClientID = row.ClientID
			r.CreatedAt = row.CreatedAt
		} else if isUser {
			r.ID = newID()
			r.ClientID = incomingClientID
			if r.ClientID == "" {
				r.ClientID = m.ID
			}
		} else {
			if r.ID == "" {
				r.ID = newID()
			}
			r.ClientID = ""
		}

		if _, dup := seenIDs[r.ID]; dup {
			continue
		}
		seenIDs[r.ID] = struct{}{}

		if r.ClientID != "" {
			if _, dup := seenClientIDs[r.ClientID]; dup {
				r.ClientID = ""
			} else {
				seenClientIDs[r.ClientID] = struct{}{}
			}
		}

		if r.Parts == nil {
			r.Parts = []domain.Part{}
		}
		r.Position = len(out)
		out = append(out, r)
	}
	return out
}

func lookupClient(byClientID map[string]domain.MessageKey, keys ...string) (domain.MessageKey, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if row, ok := byClientID[k]; ok {
			return row, true
		}
	}
	return domain.MessageKey{}, false
}
