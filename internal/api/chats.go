package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/grant"
	"github.com/ashureev/chatd/internal/identity"
	"github.com/ashureev/chatd/internal/store"
)

const (
	createAttempts   = 3
	defaultListLimit = 50
	maxListLimit     = 100
)

type createChatRequest struct {
	Type string          `json:"type" validate:"required,max=64"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty" validate:"omitempty,max=128"`
}

type createChatResponse struct {
	ChatID    string `json:"chatId"`
	ChatGrant string `json:"chatGrant"`
}

type chatResponse struct {
	ChatID   string           `json:"chatId"`
	Type     string           `json:"type"`
	Data     json.RawMessage  `json:"data"`
	Title    *string          `json:"title"`
	Messages []domain.Message `json:"messages"`
}

// CreateChat handles POST /api/chat/new.
//
// A caller-supplied id is inserted conflict-free; whoever owns the row
// afterwards gets a grant, anyone else a 404. Server ids are retried on
// collision.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body createChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.ID = strings.TrimSpace(body.ID)
	if err := h.validate.Struct(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	now := time.Now()
	conv := &domain.Conversation{
		Owner:     user.Address,
		Type:      body.Type,
		Data:      body.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if body.ID != "" {
		conv.ID = body.ID
		created, err := h.repo.CreateConversation(r.Context(), conv)
		if err != nil {
			h.logger.Error("failed to create chat", "chat_id", conv.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to create chat")
			return
		}
		if !created {
			existing, err := h.repo.GetConversation(r.Context(), conv.ID)
			if err != nil {
				h.logger.Error("failed to load chat", "chat_id", conv.ID, "error", err)
				Error(w, http.StatusInternalServerError, "failed to create chat")
				return
			}
			if existing == nil || !identity.SameAddress(existing.Owner, user.Address) {
				Error(w, http.StatusNotFound, "Chat not found")
				return
			}
		}
	} else {
		created := false
		for attempt := 0; attempt < createAttempts && !created; attempt++ {
			conv.ID = h.newID()
			var err error
			created, err = h.repo.CreateConversation(r.Context(), conv)
			if err != nil {
				h.logger.Error("failed to create chat", "chat_id", conv.ID, "error", err)
				Error(w, http.StatusInternalServerError, "failed to create chat")
				return
			}
		}
		if !created {
			h.logger.Error("chat id collided on every attempt", "attempts", createAttempts)
			Error(w, http.StatusInternalServerError, "failed to create chat")
			return
		}
	}

	token, ok := h.issueGrant(w, conv.ID, user.Address)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, createChatResponse{ChatID: conv.ID, ChatGrant: token})
}

// GetChat handles GET /api/chat/{chatId}. It always refreshes the grant.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chatID := chi.URLParam(r, "chatId")

	conv, err := h.repo.GetConversation(r.Context(), chatID)
	if err != nil {
		h.logger.Error("failed to load chat", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if conv == nil || !identity.SameAddress(conv.Owner, user.Address) {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), chatID)
	if err != nil {
		h.logger.Error("failed to load messages", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	for i := range messages {
		if messages[i].Parts == nil {
			messages[i].Parts = []domain.Part{}
		}
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	token, ok := h.issueGrant(w, chatID, user.Address)
	if !ok {
		return
	}
	w.Header().Set(grant.HeaderName, token)

	resp := chatResponse{ChatID: conv.ID, Type: conv.Type, Messages: messages}
	if len(conv.Data) > 0 {
		resp.Data = conv.Data
	}
	if conv.HasTitle() {
		resp.Title = &conv.Title
	}
	JSON(w, http.StatusOK, resp)
}

// ListChats handles GET /api/chats?type=&goalAddress=&limit=.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	chats, err := h.repo.ListConversations(r.Context(), store.ListFilter{
		Owner: user.Address,
		Type:  strings.TrimSpace(q.Get("type")),
		Limit: limit,
	})
	if err != nil {
		h.logger.Error("failed to list chats", "address", user.Address, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	if goal := strings.TrimSpace(q.Get("goalAddress")); goal != "" {
		chats = filterByGoal(chats, goal)
	}
	if chats == nil {
		chats = []domain.ConversationSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func filterByGoal(chats []domain.ConversationSummary, goal string) []domain.ConversationSummary {
	out := chats[:0]
	for _, c := range chats {
		var data struct {
			GoalAddress string `json:"goalAddress"`
		}
		if len(c.Data) == 0 || json.Unmarshal(c.Data, &data) != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(data.GoalAddress), goal) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Handler) issueGrant(w http.ResponseWriter, chatID, address string) (string, bool) {
	token, err := h.grants.Issue(chatID, address)
	if err != nil {
		h.logger.Error("failed to issue chat grant", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue chat grant")
		return "", false
	}
	return token, true
}
