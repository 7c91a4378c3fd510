package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/shared"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(context.Background(), "sqlite://"+path, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConversation(id, owner string, at time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:        id,
		Owner:     owner,
		Type:      "chat-default",
		Data:      json.RawMessage(`{"goalAddress":"0xgoal"}`),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestResolveDSN(t *testing.T) {
	driver, dsn, err := resolveDSN("postgres://u:p@localhost:5432/chat")
	require.NoError(t, err)
	assert.Equal(t, driverPostgres, driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/chat", dsn)

	dir := t.TempDir()
	driver, dsn, err = resolveDSN("sqlite://" + filepath.Join(dir, "x", "chat.db"))
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, driver)
	assert.Contains(t, dsn, "_pragma=foreign_keys(ON)")

	_, _, err = resolveDSN("sqlite://")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, driverSQLite, s.Driver())
}

func TestCreateConversationOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	created, err := s.CreateConversation(ctx, newConversation("c1", "0xaaa", now))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateConversation(ctx, newConversation("c1", "0xbbb", now))
	require.NoError(t, err)
	assert.False(t, created)

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "0xaaa", conv.Owner)
	assert.False(t, conv.HasTitle())
	assert.JSONEq(t, `{"goalAddress":"0xgoal"}`, string(conv.Data))
	assert.Equal(t, now, conv.CreatedAt)
}

func TestGetConversationMissing(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.GetConversation(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestSetTitleIfUnsetFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateConversation(ctx, newConversation("c1", "0xaaa", time.Now()))
	require.NoError(t, err)

	ok, err := s.SetTitleIfUnset(ctx, "c1", "First")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetTitleIfUnset(ctx, "c1", "Second")
	require.NoError(t, err)
	assert.False(t, ok)

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "First", conv.Title)
}

func TestListConversationsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"a", "b", "c"} {
		c := newConversation(id, "0xowner", base.Add(time.Duration(i)*time.Minute))
		if id == "b" {
			c.Type = "other"
		}
		_, err := s.CreateConversation(ctx, c)
		require.NoError(t, err)
	}
	_, err := s.CreateConversation(ctx, newConversation("z", "0xsomeoneelse", base))
	require.NoError(t, err)
	_, err = s.SetTitleIfUnset(ctx, "c", "Titled")
	require.NoError(t, err)

	got, err := s.ListConversations(ctx, ListFilter{Owner: "0xowner", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[2].ID)
	require.NotNil(t, got[0].Title)
	assert.Equal(t, "Titled", *got[0].Title)
	assert.Nil(t, got[1].Title)

	got, err = s.ListConversations(ctx, ListFilter{Owner: "0xowner", Type: "other", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListConversations(ctx, ListFilter{Owner: "0xowner", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func msg(id string, role domain.Role, pos int, text string) domain.Message {
	return domain.Message{
		ID:        id,
		Role:      role,
		Parts:     []domain.Part{domain.TextPart(text)},
		Position:  pos,
		CreatedAt: time.UnixMilli(1_700_000_000_000 + int64(pos)),
	}
}

func TestSaveTranscriptUpsertsAndPrunes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.UnixMilli(1_700_000_000_000))

	first := []domain.Message{
		msg("m1", domain.RoleUser, 0, "hello"),
		msg("m2", domain.RoleAssistant, 1, "hi"),
		msg("m3", domain.RoleUser, 2, "edited out later"),
	}
	first[0].ClientID = "client-1"
	require.NoError(t, s.SaveTranscript(ctx, conv, first))

	second := []domain.Message{
		msg("m1", domain.RoleUser, 0, "hello again"),
		msg("m2", domain.RoleAssistant, 1, "hi"),
	}
	second[0].CreatedAt = time.UnixMilli(1)
	conv.UpdatedAt = conv.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.SaveTranscript(ctx, conv, second))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello again", got[0].Text())
	assert.Equal(t, "client-1", got[0].ClientID, "null client id never clobbers a stored one")
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), got[0].CreatedAt, "created_at is never overwritten")

	keys, err := s.MessageKeys(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSaveTranscriptEmptyClearsMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.Now())

	require.NoError(t, s.SaveTranscript(ctx, conv, []domain.Message{msg("m1", domain.RoleUser, 0, "x")}))
	require.NoError(t, s.SaveTranscript(ctx, conv, nil))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveTranscriptKeepsOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTranscript(ctx, newConversation("c1", "0xaaa", time.Now()), nil))
	require.NoError(t, s.SaveTranscript(ctx, newConversation("c1", "0xbbb", time.Now()), nil))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", conv.Owner)
}

func TestSaveTranscriptDuplicateClientIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.Now())

	a := msg("m1", domain.RoleUser, 0, "x")
	a.ClientID = "dup"
	require.NoError(t, s.SaveTranscript(ctx, conv, []domain.Message{a}))

	b := msg("m2", domain.RoleUser, 0, "x")
	b.ClientID = "dup"
	err := s.SaveTranscript(ctx, conv, []domain.Message{a, b})
	require.Error(t, err)
	assert.True(t, shared.IsUniqueViolation(err))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "failed transaction leaves prior state")
}

func TestSaveTranscriptManyRowsChunked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.Now())

	var msgs []domain.Message
	for i := range upsertChunk + 7 {
		msgs = append(msgs, msg(fmt.Sprintf("m%04d", i), domain.RoleAssistant, i, "x"))
	}
	require.NoError(t, s.SaveTranscript(ctx, conv, msgs))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, upsertChunk+7)
	for i, m := range got {
		assert.Equal(t, i, m.Position)
	}
}

func TestPlaceholderOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.Now())

	old := domain.Message{ID: "p-old", Role: domain.RoleAssistant, Parts: []domain.Part{}, Metadata: domain.PendingMetadata, Position: 1, CreatedAt: time.Now().Add(-time.Hour)}
	fresh := domain.Message{ID: "p-new", Role: domain.RoleAssistant, Parts: []domain.Part{}, Metadata: domain.PendingMetadata, Position: 2, CreatedAt: time.Now()}
	user := msg("u1", domain.RoleUser, 0, "q")
	user.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveTranscript(ctx, conv, []domain.Message{user, old, fresh}))

	n, err := s.DeleteStalePending(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	failed := domain.Message{ID: "p-new", Parts: []domain.Part{domain.TextPart("boom")}, Metadata: domain.ErrorMetadata}
	ok, err := s.UpdateMessageContent(ctx, "c1", &failed)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "boom", got[1].Text())
	assert.False(t, got[1].IsPending())
	assert.JSONEq(t, `{"error":true}`, string(got[1].Metadata))

	ok, err = s.DeleteMessage(ctx, "c1", "p-new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteMessage(ctx, "c1", "p-new")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListMessagesDropsUnknownParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation("c1", "0xaaa", time.Now())

	m := domain.Message{
		ID:    "m1",
		Role:  domain.RoleAssistant,
		Parts: []domain.Part{domain.TextPart("keep"), {Type: "hologram"}},
	}
	require.NoError(t, s.SaveTranscript(ctx, conv, []domain.Message{m}))

	got, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "keep", got[0].Parts[0].Text)
}
