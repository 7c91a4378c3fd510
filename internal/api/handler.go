// Package api provides HTTP handlers for conversation management.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashureev/chatd/internal/grant"
	"github.com/ashureev/chatd/internal/store"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Handler provides the conversation endpoints and common handler utilities.
type Handler struct {
	repo      store.Repository
	grants    *grant.Issuer
	logger    *slog.Logger
	validate  *validator.Validate
	checks    map[string]CheckFunc
	sourceURL string
	newID     func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck adds a named dependency to /api/health.
func WithHealthCheck(name string, check CheckFunc) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithSourceURL sets the repository URL reported by /api/chat/source.
func WithSourceURL(url string) Option {
	return func(h *Handler) { h.sourceURL = url }
}

// WithIDGenerator overrides conversation id minting.
func WithIDGenerator(newID func() string) Option {
	return func(h *Handler) { h.newID = newID }
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, grants *grant.Issuer, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		repo:     repo,
		grants:   grants,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		checks:   make(map[string]CheckFunc),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers conversation routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/chats", h.ListChats)
	r.Post("/api/chat/new", h.CreateChat)
	r.Get("/api/chat/source", h.Source)
	r.Get("/api/chat/{chatId}", h.GetChat)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
