package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/grant"
	"github.com/ashureev/chatd/internal/identity"
	"github.com/ashureev/chatd/internal/llm"
	"github.com/ashureev/chatd/internal/lock"
)

// maxRequestBodySize bounds a chat request including inline attachments.
const maxRequestBodySize = 8 << 20

// DeviceHeader lets clients state their form factor explicitly.
const DeviceHeader = "x-client-device"

var mobileUserAgent = regexp.MustCompile(`(?i)Android|webOS|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini|Mobile`)

type chatRequest struct {
	ID              string           `json:"id" validate:"required,max=128"`
	Messages        []domain.Message `json:"messages" validate:"required,min=1"`
	Type            string           `json:"type" validate:"required,max=64"`
	Data            json.RawMessage  `json:"data,omitempty"`
	Context         string           `json:"context,omitempty" validate:"max=20000"`
	ClientMessageID string           `json:"clientMessageId,omitempty" validate:"max=128"`
}

// Handler serves the streaming chat endpoint.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RegisterRoutes registers chat routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
}

// HandleChat handles POST /api/chat: it streams one assistant turn as
// server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if errors.Is(err, domain.ErrMissingText) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validateRequest(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Debug("chat request",
		"request_id", reqID,
		"conversation_id", body.ID,
		"address", user.Address,
		"messages", len(body.Messages))

	turn, err := h.service.Begin(r.Context(), SendRequest{
		ConversationID:  body.ID,
		Messages:        body.Messages,
		Type:            body.Type,
		Data:            body.Data,
		Context:         body.Context,
		ClientMessageID: strings.TrimSpace(body.ClientMessageID),
		Grant:           r.Header.Get(grant.HeaderName),
		User:            user,
		Mobile:          isMobileRequest(r),
	})
	if err != nil {
		h.writeBeginError(w, body.ID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	if turn.Grant() != "" {
		w.Header().Set(grant.HeaderName, turn.Grant())
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev, err := range turn.Events(r.Context()) {
		if err != nil {
			h.logger.Warn("chat stream ended with error",
				"request_id", reqID,
				"conversation_id", body.ID,
				"error", err)
		}
		if err := writeEvent(w, ev); err != nil {
			h.logger.Warn("failed to write SSE event", "error", err, "conversation_id", body.ID)
			return
		}
		flusher.Flush()
	}
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return
	}
	flusher.Flush()
}

func (h *Handler) validateRequest(body *chatRequest) error {
	if err := h.validate.Struct(body); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	for i, m := range body.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
		for _, p := range m.Parts {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
	}
	return nil
}

func (h *Handler) writeBeginError(w http.ResponseWriter, conversationID string, err error) {
	var rateLimited *RateLimitError
	var persistErr *PersistenceError
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "Chat not found")
	case errors.As(err, &rateLimited):
		if rateLimited.Grant != "" {
			w.Header().Set(grant.HeaderName, rateLimited.Grant)
		}
		writeError(w, http.StatusTooManyRequests, RateLimitMessage)
	case errors.Is(err, lock.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Chat is busy. Please retry.")
	case errors.Is(err, llm.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "messages have no content")
	case errors.As(err, &persistErr):
		h.logger.Error("failed to store pending chat", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, PersistErrorMessage)
	default:
		h.logger.Error("chat request failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, StreamErrorMessage)
	}
}

// isMobileRequest prefers the explicit device header and falls back to the
// user agent.
func isMobileRequest(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(DeviceHeader))) {
	case "mobile":
		return true
	case "desktop":
		return false
	}
	return mobileUserAgent.MatchString(r.UserAgent())
}

func writeEvent(w io.Writer, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
