package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/chatd/internal/chat"
	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/grant"
	"github.com/ashureev/chatd/internal/identity"
	"github.com/ashureev/chatd/internal/llm"
	"github.com/ashureev/chatd/internal/lock"
)

// Config tunes the orchestrator.
type Config struct {
	SystemPrompt   string
	StreamTimeout  time.Duration
	PersistTimeout time.Duration
	// SerializeWrites runs transcript writes under a per-conversation lock.
	SerializeWrites bool
	// LockWait bounds lock acquisition; zero uses the lock default.
	LockWait time.Duration
	Debug    bool
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Processor     Processor
	Transcripts   Transcripts
	Conversations Conversations
	Usage         UsagePolicy
	Grants        *grant.Issuer
	// Locker may be nil, which disables write serialization.
	Locker Locker
	// Tools may be nil, which runs turns without function calling.
	Tools Toolbox
}

// Service runs chat turns.
type Service struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides message id minting.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a Service.
func NewService(deps Dependencies, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if deps.Processor == nil || deps.Transcripts == nil || deps.Conversations == nil || deps.Usage == nil || deps.Grants == nil {
		return nil, errors.New("agent: missing dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize checks that user may send to conversationID. A grant naming the
// same conversation and address short-circuits the lookup and yields "".
// Otherwise the owner is read from the primary and a fresh grant returned.
func (s *Service) Authorize(ctx context.Context, conversationID string, user domain.ChatUser, grantToken string) (string, error) {
	if grantToken != "" {
		if claims, ok := s.deps.Grants.Verify(grantToken); ok && claims.Allows(conversationID, user.Address) {
			return "", nil
		}
	}

	conv, err := s.deps.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if conv == nil || !identity.SameAddress(conv.Owner, user.Address) {
		return "", ErrConversationNotFound
	}

	token, err := s.deps.Grants.Issue(conversationID, user.Address)
	if err != nil {
		return "", fmt.Errorf("issue grant: %w", err)
	}
	return token, nil
}

// Begin authorizes the turn, checks the usage ceiling and writes the
// transcript with a pending assistant placeholder. The returned Turn streams
// the model response.
func (s *Service) Begin(ctx context.Context, req SendRequest) (*Turn, error) {
	turn := &Turn{svc: s, req: req, state: StateAuthorizing}

	issued, err := s.Authorize(ctx, req.ConversationID, req.User, req.Grant)
	if err != nil {
		return nil, err
	}
	turn.grant = issued

	turn.state = StateRateChecking
	var available bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok, err := s.deps.Usage.Available(gctx, req.User.Address)
		if err != nil {
			return fmt.Errorf("check usage: %w", err)
		}
		available = ok
		return nil
	})
	g.Go(func() error {
		prompt, err := s.buildPrompt(gctx, req)
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}
		turn.prompt = prompt
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !available {
		return nil, &RateLimitError{Grant: issued}
	}

	turn.state = StatePersisting
	turn.placeholderID = s.newID()
	placeholder := domain.Message{
		ID:       turn.placeholderID,
		Role:     domain.RoleAssistant,
		Parts:    []domain.Part{},
		Metadata: domain.PendingMetadata,
	}
	if _, err := s.persist(ctx, s.reconcileInput(req, append(slices.Clone(req.Messages), placeholder), false)); err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, err
		}
		return nil, &PersistenceError{Err: err}
	}
	return turn, nil
}

func (s *Service) reconcileInput(req SendRequest, messages []domain.Message, generateTitle bool) chat.ReconcileInput {
	return chat.ReconcileInput{
		ConversationID:  req.ConversationID,
		Messages:        messages,
		Owner:           req.User.Address,
		Type:            req.Type,
		Data:            req.Data,
		ClientMessageID: req.ClientMessageID,
		GenerateTitle:   generateTitle,
	}
}

func (s *Service) persist(ctx context.Context, in chat.ReconcileInput) ([]domain.Message, error) {
	if s.deps.Locker == nil || !s.cfg.SerializeWrites {
		return s.deps.Transcripts.Reconcile(ctx, in)
	}

	var stored []domain.Message
	err := s.deps.Locker.WithLock(ctx, "lock:chat:"+in.ConversationID, lock.Options{MaxWait: s.cfg.LockWait}, func(ctx context.Context) error {
		var err error
		stored, err = s.deps.Transcripts.Reconcile(ctx, in)
		return err
	})
	return stored, err
}

func (s *Service) buildPrompt(ctx context.Context, req SendRequest) (llm.Request, error) {
	system := []string{s.cfg.SystemPrompt}
	var tools []openai.Tool
	if s.deps.Tools != nil {
		system = append(system, s.deps.Tools.Prompts(ctx)...)
		tools = s.deps.Tools.Definitions()
	}
	if loc := location(req.User); loc != "" {
		system = append(system, "The user appears to be in "+loc+".")
	}
	if extra := strings.TrimSpace(req.Context); extra != "" {
		system = append(system, "Additional context: "+extra)
	}

	messages, err := llm.BuildMessages(system, req.Messages)
	if err != nil {
		return llm.Request{}, err
	}
	out := llm.Request{Messages: messages, Tools: tools}
	if req.Mobile {
		out.Verbosity = "low"
	}
	return out, nil
}

func location(u domain.ChatUser) string {
	var parts []string
	for _, p := range []string{u.City, u.CountryRegion, u.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
