package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatd/internal/domain"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
}

func userMsg(id, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart(text)}}
}

func assistantMsg(id, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleAssistant, Parts: []domain.Part{domain.TextPart(text)}}
}

func TestResolveNewMessages(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	in := []domain.Message{
		userMsg("u-client", "hi"),
		assistantMsg("a1", "hello"),
		assistantMsg("", "no id"),
	}

	got := resolveMessages(in, nil, "", now, seqIDs())
	require.Len(t, got, 3)

	assert.Equal(t, "gen-1", got[0].ID, "user rows get a server id")
	assert.Equal(t, "u-client", got[0].ClientID, "and remember the client's id")
	assert.Equal(t, "a1", got[1].ID)
	assert.Empty(t, got[1].ClientID)
	assert.Equal(t, "gen-2", got[2].ID)
	for i, m := range got {
		assert.Equal(t, i, m.Position)
		assert.Equal(t, now, m.CreatedAt)
	}
}

func TestResolveRequestedClientIDOnlyOnLastUser(t *testing.T) {
	in := []domain.Message{
		userMsg("", "first"),
		assistantMsg("a1", "x"),
		userMsg("", "second"),
		assistantMsg("a2", "y"),
	}

	got := resolveMessages(in, nil, "  req-1  ", time.Now(), seqIDs())
	require.Len(t, got, 4)
	assert.Empty(t, got[0].ClientID)
	assert.Equal(t, "req-1", got[2].ClientID)
}

func TestResolveExistingByID(t *testing.T) {
	created := time.UnixMilli(1_600_000_000_000)
	existing := []domain.MessageKey{
		{ID: "u1", ClientID: "", CreatedAt: created},
		{ID: "a1", ClientID: "", CreatedAt: created},
	}
	in := []domain.Message{userMsg("u1", "q"), assistantMsg("a1", "a")}

	got := resolveMessages(in, existing, "late-label", time.Now(), seqIDs())
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, created, got[0].CreatedAt)
	assert.Equal(t, "late-label", got[0].ClientID, "unlabelled last user row adopts the caller's id")
	assert.Equal(t, created, got[1].CreatedAt)
	assert.Empty(t, got[1].ClientID)
}

func TestResolveExistingByIDKeepsStoredClientID(t *testing.T) {
	existing := []domain.MessageKey{{ID: "u1", ClientID: "orig", CreatedAt: time.Now()}}

	got := resolveMessages([]domain.Message{userMsg("u1", "q")}, existing, "other", time.Now(), seqIDs())
	assert.Equal(t, "orig", got[0].ClientID)
}

func TestResolveExistingByClientID(t *testing.T) {
	created := time.UnixMilli(1_600_000_000_000)
	existing := []domain.MessageKey{{ID: "srv-1", ClientID: "cli-1", CreatedAt: created}}

	// resubmitted with the client's id as the literal id
	got := resolveMessages([]domain.Message{userMsg("cli-1", "q")}, existing, "", time.Now(), seqIDs())
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.Equal(t, "cli-1", got[0].ClientID)
	assert.Equal(t, created, got[0].CreatedAt)

	// resubmitted under a new literal id with the same correlation id
	got = resolveMessages([]domain.Message{userMsg("whatever", "q")}, existing, "cli-1", time.Now(), seqIDs())
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
}

func TestResolveDuplicateIDsFirstWins(t *testing.T) {
	in := []domain.Message{
		assistantMsg("a1", "first"),
		assistantMsg("a1", "second"),
		assistantMsg("a2", "third"),
	}

	got := resolveMessages(in, nil, "", time.Now(), seqIDs())
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text())
	assert.Equal(t, "a2", got[1].ID)
	assert.Equal(t, 1, got[1].Position)
}

func TestResolveDuplicateClientIDsCleared(t *testing.T) {
	in := []domain.Message{userMsg("same", "a"), userMsg("same", "b")}

	got := resolveMessages(in, nil, "", time.Now(), seqIDs())
	require.Len(t, got, 2)
	assert.Equal(t, "same", got[0].ClientID)
	assert.Empty(t, got[1].ClientID)
}

func TestResolveNilPartsBecomeEmpty(t *testing.T) {
	got := resolveMessages([]domain.Message{{ID: "p", Role: domain.RoleAssistant, Metadata: domain.PendingMetadata}}, nil, "", time.Now(), seqIDs())
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Parts)
	assert.True(t, got[0].IsPending())
}
