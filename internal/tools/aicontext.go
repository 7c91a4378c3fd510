package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/ashureev/chatd/internal/cache"
)

const (
	// DefaultAIContextURL serves the live stats snapshot.
	DefaultAIContextURL = "https://co.build/api/cobuild/ai-context"
	// AIContextCachePrefix namespaces cached snapshots in redis.
	AIContextCachePrefix = "cobuild:ai-context:"

	aiContextCacheKey = "snapshot"
	aiContextTTL      = 15 * time.Minute
	errorMaxChars     = 120
)

// AIContext fetches the live stats snapshot. As a tool it always fetches
// fresh; as a brief it serves the cached snapshot.
type AIContext struct {
	url    string
	client *http.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewAIContext creates the stats tool. c may be a disabled cache.
func NewAIContext(url string, timeout time.Duration, c *cache.Cache, logger *slog.Logger) *AIContext {
	if url == "" {
		url = DefaultAIContextURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AIContext{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cache:  c,
		logger: logger,
	}
}

func (a *AIContext) Name() string { return "getCobuildAiContext" }

func (a *AIContext) Description() string {
	return "Fetch the latest Cobuild live stats snapshot from co.build."
}

func (a *AIContext) Parameters() jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Object, Properties: map[string]jsonschema.Definition{}}
}

func (a *AIContext) Prompt() string {
	return `### Cobuild Live Stats Tool

Use this tool to fetch the latest Cobuild live stats snapshot from co.build.
- Use it when you need the most up-to-date treasury, issuance, mints, holders, or distribution data.
- The response mirrors ` + a.url + `.
- Prefer the built-in snapshot prompt unless the user asks for the latest data.`
}

// Execute returns the fresh snapshot, or {"error": ...} when the fetch fails.
func (a *AIContext) Execute(ctx context.Context, _ json.RawMessage) (any, error) {
	data, err := a.Fetch(ctx)
	if err != nil {
		a.logger.Warn("live stats fetch failed", "url", a.url, "error", err)
		return map[string]string{"error": formatError(err)}, nil
	}
	return data, nil
}

// Fetch downloads the snapshot without consulting the cache.
func (a *AIContext) Fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode live stats: %w", err)
	}
	return data, nil
}

// Brief renders the cached snapshot for the system prompt.
func (a *AIContext) Brief(ctx context.Context) string {
	data, err := cache.GetOrSet(ctx, a.cache, aiContextCacheKey, aiContextTTL, a.Fetch)
	if err != nil || data == nil {
		reason := "unknown error"
		if err != nil {
			reason = formatError(err)
		}
		return "Cobuild live stats unavailable: " + reason + "."
	}

	promptText := "Unavailable."
	if p, ok := data["prompt"].(string); ok && strings.TrimSpace(p) != "" {
		promptText = p
	}
	full, _ := json.MarshalIndent(data, "", "  ")

	return strings.Join([]string{
		"# Cobuild live stats (snapshot)",
		"Source: " + a.url,
		"",
		"## API prompt (verbatim)",
		promptText,
		"",
		"## Full response JSON",
		"```json",
		string(full),
		"```",
		"",
		"Use the getCobuildAiContext tool to refresh when you need the most recent data.",
	}, "\n")
}

func formatError(err error) string {
	msg := err.Error()
	if msg == "" {
		return "Unknown error"
	}
	runes := []rune(msg)
	if len(runes) <= errorMaxChars {
		return msg
	}
	return string(runes[:errorMaxChars-1]) + "…"
}
