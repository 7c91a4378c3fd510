package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORS([]string{"https://co.build"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Origin", "https://co.build")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "https://co.build", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "x-chat-grant")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "privy-id-token")
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "x-chat-grant")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://co.build"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	h := CORS([]string{"*"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://anywhere.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler)

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusTeapot, call("10.0.0.1"))
	assert.Equal(t, http.StatusTeapot, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusTeapot, call("10.0.0.2"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusTeapot, call("10.0.0.1"))
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("a"))
	now = now.Add(2 * time.Minute)
	require.True(t, rl.Allow("b"))
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "a")
	assert.Contains(t, rl.visitors, "b")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	RequestLogger(logger, true)(okHandler).ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/chats"`)

	buf.Reset()
	RequestLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)), false)(okHandler).ServeHTTP(httptest.NewRecorder(), req)
	RequestLogger(logger, false)(okHandler).ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, buf.String())
}
