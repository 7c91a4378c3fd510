// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Env            string
	Port           string
	AllowedOrigins []string

	GrantSecret string

	DatabaseURL         string
	DatabaseReplicaURLs []string
	RedisURL            string

	Auth      AuthConfig
	OpenAI    OpenAIConfig
	Usage     UsageConfig
	Timeouts  TimeoutConfig
	Sweeper   SweeperConfig
	RateLimit RateLimitConfig
	Tools     ToolsConfig

	SerializeWrites bool
	LockWait        time.Duration
	SourceURL       string

	LogFile   string
	LogLevel  slog.Level
	DebugChat bool
	DebugHTTP bool
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	SelfHosted           bool
	SharedSecret         string
	DefaultAddress       string
	PrivyAppID           string
	PrivyVerificationKey string
}

// OpenAIConfig configures the model provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	TitleModel   string
	SystemPrompt string
}

// UsageConfig sets the per-address AI usage ceiling.
type UsageConfig struct {
	MaxTokens int
	Window    time.Duration
}

// TimeoutConfig holds request and stream budgets.
type TimeoutConfig struct {
	Request  time.Duration
	Stream   time.Duration
	Persist  time.Duration
	Shutdown time.Duration
}

// SweeperConfig controls the stale placeholder sweeper.
type SweeperConfig struct {
	Interval       time.Duration
	PlaceholderTTL time.Duration
}

// ToolsConfig controls the functions offered to the model.
type ToolsConfig struct {
	Enabled          bool
	AIContextURL     string
	AIContextTimeout time.Duration

	// CacheEnabled turns on redis caching of tool lookups.
	CacheEnabled bool
}

// RateLimitConfig bounds per-IP request rates ahead of the handlers.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultSourceURL is where the running code can be obtained.
const DefaultSourceURL = "https://github.com/cobuildwithus/chat-api"

const defaultSystemPrompt = "You are a helpful assistant for a community of builders. Answer clearly and concisely."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	env := strings.ToLower(getEnv("APP_ENV", EnvDevelopment))

	maxTokens := 2_000_000
	if env == EnvProduction {
		maxTokens = 225_000
	}

	cfg := &Config{
		Env:                 env,
		Port:                getEnv("PORT", "4000"),
		AllowedOrigins:      allowedOrigins(env, getEnv("CHAT_ALLOWED_ORIGINS", "")),
		GrantSecret:         getEnv("CHAT_GRANT_SECRET", ""),
		DatabaseURL:         getEnv("DATABASE_URL", "sqlite://./data/chat.db"),
		DatabaseReplicaURLs: getEnvList("DATABASE_REPLICA_URLS"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Auth: AuthConfig{
			SelfHosted:           getEnvBool("CHAT_SELF_HOSTED", false),
			SharedSecret:         getEnv("CHAT_SHARED_SECRET", ""),
			DefaultAddress:       getEnv("CHAT_DEFAULT_ADDRESS", ""),
			PrivyAppID:           getEnv("PRIVY_APP_ID", ""),
			PrivyVerificationKey: getEnv("PRIVY_VERIFICATION_KEY", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			TitleModel:   getEnv("OPENAI_TITLE_MODEL", "gpt-4o-mini"),
			SystemPrompt: getEnv("CHAT_SYSTEM_PROMPT", defaultSystemPrompt),
		},
		Usage: UsageConfig{
			MaxTokens: getEnvInt("AI_USAGE_MAX_TOKENS", maxTokens),
			Window:    getEnvDuration("AI_USAGE_WINDOW", 6*time.Hour),
		},
		Timeouts: TimeoutConfig{
			Request:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			Stream:   getEnvDuration("STREAM_TIMEOUT", 5*time.Minute),
			Persist:  getEnvDuration("PERSIST_TIMEOUT", 15*time.Second),
			Shutdown: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:       getEnvDuration("PLACEHOLDER_SWEEP_INTERVAL", 5*time.Minute),
			PlaceholderTTL: getEnvDuration("PLACEHOLDER_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("HTTP_RATE_LIMIT_RPS", 5),
			Burst:             getEnvInt("HTTP_RATE_LIMIT_BURST", 20),
		},
		Tools: ToolsConfig{
			Enabled:          getEnvBool("CHAT_TOOLS_ENABLED", true),
			AIContextURL:     getEnv("COBUILD_AI_CONTEXT_URL", "https://co.build/api/cobuild/ai-context"),
			AIContextTimeout: getEnvDuration("COBUILD_AI_CONTEXT_TIMEOUT", 7*time.Second),
			CacheEnabled:     getEnvBool("CACHE_ENABLED", env == EnvProduction),
		},
		SerializeWrites: getEnvBool("CHAT_SERIALIZE_WRITES", true),
		LockWait:        getEnvDuration("CHAT_LOCK_WAIT", time.Minute),
		SourceURL:       getEnv("SOURCE_CODE_URL", DefaultSourceURL),
		LogFile:         getEnv("LOG_FILE", ""),
		LogLevel:        parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
		DebugChat:       getEnvBool("DEBUG_CHAT", false),
		DebugHTTP:       getEnvBool("DEBUG_HTTP", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("%w: APP_ENV must be %q or %q", ErrInvalid, EnvDevelopment, EnvProduction)
	}
	if c.Port == "" {
		return fmt.Errorf("%w: PORT cannot be empty", ErrInvalid)
	}
	if c.GrantSecret == "" {
		return fmt.Errorf("%w: CHAT_GRANT_SECRET is required", ErrInvalid)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL cannot be empty", ErrInvalid)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL cannot be empty", ErrInvalid)
	}
	if c.Usage.MaxTokens <= 0 {
		return fmt.Errorf("%w: AI_USAGE_MAX_TOKENS must be > 0", ErrInvalid)
	}
	if c.Usage.Window <= 0 {
		return fmt.Errorf("%w: AI_USAGE_WINDOW must be > 0", ErrInvalid)
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.PlaceholderTTL <= 0 {
		return fmt.Errorf("%w: placeholder sweeper durations must be > 0", ErrInvalid)
	}
	if c.Timeouts.Stream <= 0 || c.Timeouts.Persist <= 0 {
		return fmt.Errorf("%w: STREAM_TIMEOUT and PERSIST_TIMEOUT must be > 0", ErrInvalid)
	}
	// A placeholder younger than a full turn may still be streaming.
	if c.Sweeper.PlaceholderTTL <= c.Timeouts.Stream+c.Timeouts.Persist {
		return fmt.Errorf("%w: PLACEHOLDER_TTL must exceed STREAM_TIMEOUT + PERSIST_TIMEOUT", ErrInvalid)
	}
	if c.Tools.Enabled && c.Tools.AIContextTimeout <= 0 {
		return fmt.Errorf("%w: COBUILD_AI_CONTEXT_TIMEOUT must be > 0", ErrInvalid)
	}

	if !c.IsProduction() {
		return nil
	}

	if len(c.GrantSecret) < 32 {
		return fmt.Errorf("%w: CHAT_GRANT_SECRET must be at least 32 bytes in production", ErrInvalid)
	}
	if strings.HasPrefix(c.DatabaseURL, "sqlite:") {
		return fmt.Errorf("%w: DATABASE_URL must point at postgres in production", ErrInvalid)
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("%w: missing required env in production: OPENAI_API_KEY", ErrInvalid)
	}
	if !c.Auth.SelfHosted {
		if c.Auth.PrivyVerificationKey == "" {
			return fmt.Errorf("%w: missing required env in production: PRIVY_VERIFICATION_KEY", ErrInvalid)
		}
		if c.Auth.PrivyAppID == "" {
			return fmt.Errorf("%w: missing required env in production: PRIVY_APP_ID", ErrInvalid)
		}
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

var defaultProdOrigins = []string{"https://co.build", "https://www.co.build"}

func allowedOrigins(env, raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) > 0 {
		return origins
	}
	if env == EnvProduction {
		return defaultProdOrigins
	}
	return []string{"http://localhost:3000"}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
