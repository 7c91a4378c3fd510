package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatd/internal/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStatsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newRedisCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.New(client, AIContextCachePrefix, true), mr
}

func TestAIContextBriefIsCached(t *testing.T) {
	srv, hits := newStatsServer(t, http.StatusOK, `{"prompt":"Treasury holds 10 ETH.","holders":42}`)
	c, mr := newRedisCache(t)
	tool := NewAIContext(srv.URL, time.Second, c, discardLogger())

	first := tool.Brief(context.Background())
	second := tool.Brief(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, first, "# Cobuild live stats (snapshot)")
	assert.Contains(t, first, "Treasury holds 10 ETH.")
	assert.Contains(t, first, `"holders": 42`)
	assert.True(t, mr.Exists(AIContextCachePrefix+"snapshot"))
	assert.Equal(t, 15*time.Minute, mr.TTL(AIContextCachePrefix+"snapshot"))
}

func TestAIContextBriefReportsFailure(t *testing.T) {
	srv, _ := newStatsServer(t, http.StatusInternalServerError, `{}`)
	c, mr := newRedisCache(t)
	tool := NewAIContext(srv.URL, time.Second, c, discardLogger())

	assert.Equal(t, "Cobuild live stats unavailable: HTTP 500.", tool.Brief(context.Background()))
	assert.False(t, mr.Exists(AIContextCachePrefix+"snapshot"))
}

func TestAIContextExecuteAlwaysFetchesFresh(t *testing.T) {
	srv, hits := newStatsServer(t, http.StatusOK, `{"hello":"fresh"}`)
	c, _ := newRedisCache(t)
	tool := NewAIContext(srv.URL, time.Second, c, discardLogger())

	_ = tool.Brief(context.Background())
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"hello": "fresh"}, out)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAIContextExecuteSoftFailure(t *testing.T) {
	srv, _ := newStatsServer(t, http.StatusBadGateway, ``)
	tool := NewAIContext(srv.URL, time.Second, cache.New(nil, "", false), discardLogger())

	out, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"error": "HTTP 502"}, out)
}

func TestFormatErrorTruncates(t *testing.T) {
	assert.Equal(t, "boom", formatError(errors.New("boom")))
	long := formatError(errors.New(strings.Repeat("x", 200)))
	assert.Len(t, []rune(long), errorMaxChars)
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestCastPreviewEchoesDraft(t *testing.T) {
	tool := NewCastPreview()

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"text":"gm","embeds":[{"url":"https://cdn/a.png"}],"parent":"0xabc"}`))
	require.NoError(t, err)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"gm","embeds":[{"url":"https://cdn/a.png"}],"parent":"0xabc"}`, string(raw))

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"embeds":[]}`))
	require.Error(t, err)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"text":"gm","embeds":[{"url":""}]}`))
	require.Error(t, err)
}

type briefTool struct{ *CastPreview }

func (briefTool) Name() string { return "briefed" }

func (briefTool) Prompt() string { return "use briefed" }

func (briefTool) Brief(context.Context) string { return "live numbers" }

func (briefTool) Parameters() jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Object}
}

func TestRegistryDefinitionsAndPrompts(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Register(NewCastPreview())
	r.Register(briefTool{NewCastPreview()})
	r.Register(NewCastPreview())

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "castPreview", defs[0].Function.Name)
	assert.Equal(t, "briefed", defs[1].Function.Name)

	raw, err := json.Marshal(defs[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"required":["text"]`)

	prompts := r.Prompts(context.Background())
	require.Len(t, prompts, 3)
	assert.Equal(t, "live numbers", prompts[0])
	assert.Contains(t, prompts[1], "Cast Preview tool")
	assert.Equal(t, "use briefed", prompts[2])
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Register(NewCastPreview())

	out, err := r.Execute(context.Background(), "castPreview", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(out))

	_, err = r.Execute(context.Background(), "castPreview", nil)
	require.Error(t, err)

	_, err = r.Execute(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}
