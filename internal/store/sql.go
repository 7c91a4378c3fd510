package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatd/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	driverPostgres = "pgx"
	driverSQLite   = "sqlite"

	// upsertChunk bounds the rows per INSERT so parameter counts stay under
	// driver limits.
	upsertChunk = 500
)

func init() {
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// SQLStore implements Repository on postgres or sqlite through sqlx.
type SQLStore struct {
	primary  *sqlx.DB
	replicas []*sqlx.DB
	next     atomic.Uint64
	driver   string
	logger   *slog.Logger
}

// Open connects to the primary database and any read replicas. URLs with a
// postgres scheme use pgx; everything else is treated as a sqlite path.
func Open(ctx context.Context, primaryURL string, replicaURLs []string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	primary, driver, err := connect(ctx, primaryURL)
	if err != nil {
		return nil, fmt.Errorf("open primary database: %w", err)
	}

	s := &SQLStore{primary: primary, driver: driver, logger: logger}
	for i, url := range replicaURLs {
		replica, _, err := connect(ctx, url)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open replica %d: %w", i, err)
		}
		s.replicas = append(s.replicas, replica)
	}

	logger.Info("database connected", "driver", driver, "replicas", len(s.replicas))
	return s, nil
}

func connect(ctx context.Context, url string) (*sqlx.DB, string, error) {
	driver, dsn, err := resolveDSN(url)
	if err != nil {
		return nil, "", err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, "", err
	}

	if driver == driverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	return db, driver, nil
}

func resolveDSN(url string) (driver, dsn string, err error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return driverPostgres, url, nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return "", "", errors.New("empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create database directory: %w", err)
	}
	return driverSQLite, path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.primary.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// reader picks a replica round-robin, or the primary when none are configured.
func (s *SQLStore) reader() *sqlx.DB {
	if len(s.replicas) == 0 {
		return s.primary
	}
	n := s.next.Add(1)
	return s.replicas[n%uint64(len(s.replicas))]
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.primary.PingContext(ctx); err != nil {
		return err
	}
	for _, r := range s.replicas {
		if err := r.PingContext(ctx); err != nil {
			return fmt.Errorf("replica: %w", err)
		}
	}
	return nil
}

// Close closes the primary and every replica.
func (s *SQLStore) Close() error {
	var errs []error
	for _, r := range s.replicas {
		errs = append(errs, r.Close())
	}
	errs = append(errs, s.primary.Close())
	return errors.Join(errs...)
}

type conversationRow struct {
	ID        string         `db:"id"`
	Owner     string         `db:"owner"`
	Type      string         `db:"type"`
	Title     sql.NullString `db:"title"`
	Data      string         `db:"data"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

func (r *conversationRow) toDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:        r.ID,
		Owner:     r.Owner,
		Type:      r.Type,
		Title:     r.Title.String,
		Data:      json.RawMessage(r.Data),
		CreatedAt: time.UnixMilli(r.CreatedAt),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
}

func dataOrEmpty(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}

// CreateConversation inserts conv if its id is free.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *domain.Conversation) (bool, error) {
	query := s.primary.Rebind(`
	INSERT INTO conversations (id, owner, type, title, data, created_at, updated_at)
	VALUES (?, ?, ?, NULL, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`)

	res, err := s.primary.ExecContext(ctx, query,
		conv.ID, conv.Owner, conv.Type, dataOrEmpty(conv.Data),
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conversation rows affected: %w", err)
	}
	return n == 1, nil
}

// GetConversation reads a conversation from the primary.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var row conversationRow
	err := s.primary.GetContext(ctx, &row, s.primary.Rebind(`
		SELECT id, owner, type, title, data, created_at, updated_at
		FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toDomain(), nil
}

// ListConversations returns the owner's conversations, newest update first.
func (s *SQLStore) ListConversations(ctx context.Context, filter ListFilter) ([]domain.ConversationSummary, error) {
	db := s.reader()

	query := `SELECT id, owner, type, title, data, created_at, updated_at FROM conversations WHERE owner = ?`
	args := []any{filter.Owner}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	var rows []conversationRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]domain.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		sum := domain.ConversationSummary{
			ID:        r.ID,
			Type:      r.Type,
			Data:      json.RawMessage(r.Data),
			CreatedAt: time.UnixMilli(r.CreatedAt),
			UpdatedAt: time.UnixMilli(r.UpdatedAt),
		}
		if r.Title.Valid {
			title := r.Title.String
			sum.Title = &title
		}
		out = append(out, sum)
	}
	return out, nil
}

// SetTitleIfUnset writes title only while the stored title is NULL.
func (s *SQLStore) SetTitleIfUnset(ctx context.Context, id, title string) (bool, error) {
	res, err := s.primary.ExecContext(ctx,
		s.primary.Rebind(`UPDATE conversations SET title = ? WHERE id = ? AND title IS NULL`),
		title, id)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set title rows affected: %w", err)
	}
	return n == 1, nil
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	ClientID       sql.NullString `db:"client_id"`
	Role           string         `db:"role"`
	Parts          string         `db:"parts"`
	Metadata       sql.NullString `db:"metadata"`
	Position       int            `db:"position"`
	Pending        bool           `db:"pending"`
	CreatedAt      int64          `db:"created_at"`
}

func (r *messageRow) toDomain() (domain.Message, error) {
	var parts []domain.Part
	if err := json.Unmarshal([]byte(r.Parts), &parts); err != nil {
		return domain.Message{}, fmt.Errorf("decode parts of message %s: %w", r.ID, err)
	}
	msg := domain.Message{
		ID:        r.ID,
		Role:      domain.Role(r.Role),
		Parts:     domain.KnownParts(parts),
		ClientID:  r.ClientID.String,
		Position:  r.Position,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
	if r.Metadata.Valid {
		msg.Metadata = json.RawMessage(r.Metadata.String)
	}
	return msg, nil
}

func newMessageRow(conversationID string, m *domain.Message) (messageRow, error) {
	parts := m.Parts
	if parts == nil {
		parts = []domain.Part{}
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode parts of message %s: %w", m.ID, err)
	}
	row := messageRow{
		ID:             m.ID,
		ConversationID: conversationID,
		ClientID:       sql.NullString{String: m.ClientID, Valid: m.ClientID != ""},
		Role:           string(m.Role),
		Parts:          string(encoded),
		Position:       m.Position,
		Pending:        m.IsPending(),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		row.Metadata = sql.NullString{String: string(m.Metadata), Valid: true}
	}
	return row, nil
}

// ListMessages returns a conversation's messages in position order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	db := s.reader()

	var rows []messageRow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT id, conversation_id, client_id, role, parts, metadata, position, pending, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY position ASC, created_at ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]domain.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toDomain()
		if err != nil {
			s.logger.Warn("skipping undecodable message", "conversation_id", conversationID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MessageKeys returns the stored identities of a conversation's messages.
func (s *SQLStore) MessageKeys(ctx context.Context, conversationID string) ([]domain.MessageKey, error) {
	var rows []struct {
		ID        string         `db:"id"`
		ClientID  sql.NullString `db:"client_id"`
		CreatedAt int64          `db:"created_at"`
	}
	err := s.primary.SelectContext(ctx, &rows, s.primary.Rebind(`
		SELECT id, client_id, created_at FROM conversation_messages WHERE conversation_id = ?`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("load message keys: %w", err)
	}

	keys := make([]domain.MessageKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, domain.MessageKey{
			ID:        r.ID,
			ClientID:  r.ClientID.String,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return keys, nil
}

// SaveTranscript writes the conversation and its full message list atomically.
func (s *SQLStore) SaveTranscript(ctx context.Context, conv *domain.Conversation, messages []domain.Message) (err error) {
	tx, err := s.primary.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertConversation(ctx, tx, conv); err != nil {
		return err
	}

	if len(messages) == 0 {
		if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversation_messages WHERE conversation_id = ?`), conv.ID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		return tx.Commit()
	}

	rows := make([]messageRow, 0, len(messages))
	ids := make([]string, 0, len(messages))
	for i := range messages {
		row, rowErr := newMessageRow(conv.ID, &messages[i])
		if rowErr != nil {
			err = rowErr
			return err
		}
		rows = append(rows, row)
		ids = append(ids, row.ID)
	}

	// Orphans go first so a kept row may take over a client id they held.
	query, args, err := sqlx.In(`DELETE FROM conversation_messages WHERE conversation_id = ? AND id NOT IN (?)`, conv.ID, ids)
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete orphaned messages: %w", err)
	}

	for start := 0; start < len(rows); start += upsertChunk {
		end := min(start+upsertChunk, len(rows))
		if err = upsertMessages(ctx, tx, rows[start:end]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

func upsertConversation(ctx context.Context, tx *sqlx.Tx, conv *domain.Conversation) error {
	query := tx.Rebind(`
	INSERT INTO conversations (id, owner, type, title, data, created_at, updated_at)
	VALUES (?, ?, ?, NULL, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		type = excluded.type,
		data = excluded.data,
		updated_at = excluded.updated_at`)

	_, err := tx.ExecContext(ctx, query,
		conv.ID, conv.Owner, conv.Type, dataOrEmpty(conv.Data),
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func upsertMessages(ctx context.Context, tx *sqlx.Tx, rows []messageRow) error {
	var b strings.Builder
	b.WriteString(`INSERT INTO conversation_messages
	(id, conversation_id, client_id, role, parts, metadata, position, pending, created_at) VALUES `)

	args := make([]any, 0, len(rows)*9)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, r.ID, r.ConversationID, r.ClientID, r.Role, r.Parts, r.Metadata, r.Position, r.Pending, r.CreatedAt)
	}
	b.WriteString(`
	ON CONFLICT (conversation_id, id) DO UPDATE SET
		client_id = COALESCE(excluded.client_id, conversation_messages.client_id),
		role = excluded.role,
		parts = excluded.parts,
		metadata = excluded.metadata,
		position = excluded.position,
		pending = excluded.pending`)

	if _, err := tx.ExecContext(ctx, tx.Rebind(b.String()), args...); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}
	return nil
}

// UpdateMessageContent replaces a message's parts and metadata.
func (s *SQLStore) UpdateMessageContent(ctx context.Context, conversationID string, msg *domain.Message) (bool, error) {
	row, err := newMessageRow(conversationID, msg)
	if err != nil {
		return false, err
	}

	res, err := s.primary.ExecContext(ctx, s.primary.Rebind(`
		UPDATE conversation_messages SET parts = ?, metadata = ?, pending = ?
		WHERE conversation_id = ? AND id = ?`),
		row.Parts, row.Metadata, row.Pending, conversationID, msg.ID)
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteMessage removes one message row.
func (s *SQLStore) DeleteMessage(ctx context.Context, conversationID, messageID string) (bool, error) {
	res, err := s.primary.ExecContext(ctx,
		s.primary.Rebind(`DELETE FROM conversation_messages WHERE conversation_id = ? AND id = ?`),
		conversationID, messageID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteStalePending removes pending placeholders created before cutoff.
func (s *SQLStore) DeleteStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.primary.ExecContext(ctx,
		s.primary.Rebind(`DELETE FROM conversation_messages WHERE pending = ? AND created_at < ?`),
		true, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete stale placeholders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale placeholders rows affected: %w", err)
	}
	return n, nil
}

var _ Repository = (*SQLStore)(nil)

// Driver returns the database/sql driver name of the primary.
func (s *SQLStore) Driver() string {
	return s.driver
}
