// Package chat persists conversation transcripts: it reconciles resubmitted
// transcripts onto stored rows, manages the in-flight assistant placeholder,
// and names conversations.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/metrics"
	"github.com/ashureev/chatd/internal/shared"
	"github.com/ashureev/chatd/internal/store"
)

const (
	maxTitleInput     = 800
	titleTimeout      = 30 * time.Second
	reconcileAttempts = 3
)

// ErrPlaceholderMissing is returned by MarkPlaceholderFailed when the
// placeholder row no longer exists, typically because the sweeper removed it.
var ErrPlaceholderMissing = errors.New("placeholder not found")

// TitleGenerator derives a short conversation title from the first user text.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, text string) (string, error)
}

// ReconcileInput is one full transcript write.
type ReconcileInput struct {
	ConversationID  string
	Messages        []domain.Message
	Owner           string
	Type            string
	Data            json.RawMessage
	ClientMessageID string
	// GenerateTitle starts background title generation when no title exists.
	GenerateTitle bool
}

// MessageStore reconciles transcripts into the repository.
type MessageStore struct {
	repo   store.Repository
	titles TitleGenerator
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	wg sync.WaitGroup
}

// Option configures a MessageStore.
type Option func(*MessageStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) { s.now = now }
}

// WithIDGenerator overrides message id minting.
func WithIDGenerator(newID func() string) Option {
	return func(s *MessageStore) { s.newID = newID }
}

// NewMessageStore creates a MessageStore. titles may be nil to disable naming.
func NewMessageStore(repo store.Repository, titles TitleGenerator, logger *slog.Logger, opts ...Option) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MessageStore{
		repo:   repo,
		titles: titles,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile writes the conversation row and makes the stored messages match
// the transcript. It returns the messages as stored.
func (s *MessageStore) Reconcile(ctx context.Context, in ReconcileInput) ([]domain.Message, error) {
	now := s.now()
	conv := &domain.Conversation{
		ID:        in.ConversationID,
		Owner:     in.Owner,
		Type:      in.Type,
		Data:      in.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var resolved []domain.Message
	var err error
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		resolved, err = s.reconcileOnce(ctx, conv, in, now)
		if err == nil {
			break
		}
		if !shared.IsUniqueViolation(err) && !shared.IsSQLiteConflictError(err) {
			return nil, err
		}
		if attempt < reconcileAttempts {
			s.logger.Debug("reconcile conflicted, retrying",
				"conversation_id", in.ConversationID,
				"attempt", attempt,
				"error", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile %s after %d attempts: %w", in.ConversationID, reconcileAttempts, err)
	}

	if in.GenerateTitle {
		s.maybeGenerateTitle(ctx, in.ConversationID, resolved)
	}
	return resolved, nil
}

func (s *MessageStore) reconcileOnce(ctx context.Context, conv *domain.Conversation, in ReconcileInput, now time.Time) ([]domain.Message, error) {
	if len(in.Messages) == 0 {
		if err := s.repo.SaveTranscript(ctx, conv, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	existing, err := s.repo.MessageKeys(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	resolved := resolveMessages(in.Messages, existing, in.ClientMessageID, now, s.newID)
	if err := s.repo.SaveTranscript(ctx, conv, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *MessageStore) maybeGenerateTitle(ctx context.Context, conversationID string, messages []domain.Message) {
	if s.titles == nil {
		return
	}

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("title check failed", "conversation_id", conversationID, "error", err)
		return
	}
	if conv == nil || conv.HasTitle() {
		return
	}

	text := strings.TrimSpace(domain.FirstUserText(messages))
	if text == "" {
		s.logger.Info("skipping title generation: no user text", "conversation_id", conversationID)
		return
	}
	text = truncateRunes(text, maxTitleInput)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
		defer cancel()

		title, err := s.titles.GenerateTitle(tctx, text)
		if err != nil {
			metrics.TitlesGenerated.WithLabelValues("error").Inc()
			s.logger.Error("failed to generate title", "conversation_id", conversationID, "error", err)
			return
		}
		title = cleanTitle(title)
		if title == "" {
			metrics.TitlesGenerated.WithLabelValues("empty").Inc()
			s.logger.Info("title generation returned empty", "conversation_id", conversationID)
			return
		}

		stored, err := s.repo.SetTitleIfUnset(tctx, conversationID, title)
		if err != nil {
			metrics.TitlesGenerated.WithLabelValues("error").Inc()
			s.logger.Error("failed to store title", "conversation_id", conversationID, "error", err)
			return
		}
		if stored {
			metrics.TitlesGenerated.WithLabelValues("stored").Inc()
			s.logger.Info("stored title", "conversation_id", conversationID, "title", title)
		}
	}()
}

// ClearPlaceholderIfUnclaimed deletes the placeholder row when the final
// transcript does not contain it.
func (s *MessageStore) ClearPlaceholderIfUnclaimed(ctx context.Context, conversationID, placeholderID string, final []domain.Message) error {
	for i := range final {
		if final[i].ID == placeholderID {
			return nil
		}
	}
	if _, err := s.repo.DeleteMessage(ctx, conversationID, placeholderID); err != nil {
		return fmt.Errorf("clear placeholder %s: %w", placeholderID, err)
	}
	return nil
}

// MarkPlaceholderFailed replaces the placeholder content with message and
// flags it as an error. This is terminal for the placeholder.
func (s *MessageStore) MarkPlaceholderFailed(ctx context.Context, conversationID, placeholderID, message string) error {
	failed := &domain.Message{
		ID:       placeholderID,
		Role:     domain.RoleAssistant,
		Parts:    []domain.Part{domain.TextPart(message)},
		Metadata: domain.ErrorMetadata,
	}
	found, err := s.repo.UpdateMessageContent(ctx, conversationID, failed)
	if err != nil {
		return fmt.Errorf("mark placeholder %s failed: %w", placeholderID, err)
	}
	if !found {
		return fmt.Errorf("mark placeholder %s failed: %w", placeholderID, ErrPlaceholderMissing)
	}
	return nil
}

// Wait blocks until background title generation has finished.
func (s *MessageStore) Wait() {
	s.wg.Wait()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.TrimPrefix(title, `"`)
	title = strings.TrimSuffix(title, `"`)
	return strings.TrimSpace(title)
}
