// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/provider persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys (cascading delete relies on this)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS providers (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL CHECK (kind IN ('openai', 'anthropic', 'ollama')),
			name           TEXT NOT NULL,
			base_url       TEXT NOT NULL,
			credential_ref TEXT NOT NULL DEFAULT '',
			default_model  TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			provider_id TEXT,
			model       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL CHECK (status IN ('pending', 'streaming', 'complete', 'failed', 'cancelled')),
			seq             INTEGER NOT NULL,
			created_at      TEXT NOT NULL,
			error_detail    TEXT,

			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id)
				REFERENCES conversations(id)
				ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(status);

		CREATE TABLE IF NOT EXISTS model_selections (
			key         TEXT PRIMARY KEY CHECK (key IN ('current', 'chat_titles')),
			provider_id TEXT,
			model       TEXT
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the ID is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, title, provider_id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Title,
		nullString(conv.ProviderID),
		conv.Model,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "title", conv.Title)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, title, provider_id, model, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var providerID sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.Title,
		&providerID,
		&conv.Model,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if providerID.Valid {
		conv.ProviderID = providerID.String
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, title, provider_id, model, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// RenameConversation updates a conversation's title.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("renaming conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("renamed conversation", "id", id, "title", title)
	return nil
}

// DeleteConversation removes a conversation and all of its messages in a
// single transaction. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit message delete: the FK cascade covers this too, but doing it
	// here keeps the delete correct even on databases opened without the
	// foreign_keys pragma.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessage inserts a message, assigning the next sequence index for its
// conversation atomically with the insert. The assigned Seq is written back
// into msg. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, status, seq, created_at, error_detail)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = ?),
			?, ?)
		RETURNING seq
	`

	err = tx.QueryRowContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.Status,
		msg.ConversationID,
		msg.CreatedAt.UTC().Format(time.RFC3339),
		nullString(msg.ErrorDetail),
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"role", msg.Role,
		"seq", msg.Seq)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, status, seq, created_at, error_detail
		FROM messages
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string
	var errorDetail sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&msg.Status,
		&msg.Seq,
		&createdAtStr,
		&errorDetail,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if errorDetail.Valid {
		msg.ErrorDetail = errorDetail.String
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	return &msg, nil
}

// ListMessages retrieves all messages for a conversation in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, status, seq, created_at, error_detail
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// AppendMessageContent appends a content delta to a non-terminal message.
// Returns ErrStatusRegression if the message has already reached a terminal
// status, ErrNotFound if it doesn't exist. The conversation's updated_at is
// deliberately left alone: streaming ticks don't count as activity.
func (s *SQLiteStore) AppendMessageContent(ctx context.Context, id, delta string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = content || ?
		WHERE id = ? AND status IN (?, ?)
	`, delta, id, StatusPending, StatusStreaming)
	if err != nil {
		return fmt.Errorf("appending message content: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish missing from terminal
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking message status: %w", err)
		}
		return ErrStatusRegression
	}

	return nil
}

// UpdateMessageStatus transitions a message to a new status. Valid transitions
// are pending -> streaming and pending/streaming -> terminal; anything else
// returns ErrStatusRegression. Terminal transitions set error_detail and bump
// the owning conversation's updated_at inside the same transaction.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id, status, errorDetail string) error {
	if status == StatusPending {
		return ErrStatusRegression
	}
	if status != StatusStreaming && !IsTerminalStatus(status) {
		return fmt.Errorf("unknown message status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current, conversationID string
	err = tx.QueryRowContext(ctx,
		`SELECT status, conversation_id FROM messages WHERE id = ?`, id).
		Scan(&current, &conversationID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking message status: %w", err)
	}

	if IsTerminalStatus(current) {
		return ErrStatusRegression
	}
	if status == StatusStreaming && current != StatusPending && current != StatusStreaming {
		return ErrStatusRegression
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, error_detail = ?
		WHERE id = ?
	`, status, nullString(errorDetail), id); err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	// Conversation activity changes only on terminal transitions
	if IsTerminalStatus(status) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ?
		`, time.Now().UTC().Format(time.RFC3339), conversationID); err != nil {
			return fmt.Errorf("touching conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status update: %w", err)
	}

	s.logger.Debug("updated message status",
		"id", id, "from", current, "to", status)
	return nil
}

// ReconcileInterrupted sweeps messages stranded in pending/streaming by an
// unclean shutdown and marks them failed. Run once at startup, before any
// new streams are opened.
func (s *SQLiteStore) ReconcileInterrupted(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, error_detail = ?
		WHERE status IN (?, ?)
	`, StatusFailed, "interrupted: stream did not complete before shutdown",
		StatusPending, StatusStreaming)
	if err != nil {
		return 0, fmt.Errorf("reconciling interrupted messages: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("reconciled interrupted messages", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// CreateProvider inserts a new provider profile.
func (s *SQLiteStore) CreateProvider(ctx context.Context, p *ProviderProfile) error {
	query := `
		INSERT INTO providers (id, kind, name, base_url, credential_ref, default_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Kind,
		p.Name,
		p.BaseURL,
		p.CredentialRef,
		p.DefaultModel,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting provider: %w", err)
	}

	s.logger.Debug("created provider", "id", p.ID, "kind", p.Kind, "name", p.Name)
	return nil
}

// GetProvider retrieves a provider profile by ID.
// Returns ErrNotFound if the provider doesn't exist.
func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*ProviderProfile, error) {
	query := `
		SELECT id, kind, name, base_url, credential_ref, default_model, created_at, updated_at
		FROM providers
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanProvider(row)
}

func scanProvider(row rowScanner) (*ProviderProfile, error) {
	var p ProviderProfile
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&p.ID,
		&p.Kind,
		&p.Name,
		&p.BaseURL,
		&p.CredentialRef,
		&p.DefaultModel,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}

	p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &p, nil
}

// ListProviders returns all provider profiles, oldest first.
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]*ProviderProfile, error) {
	query := `
		SELECT id, kind, name, base_url, credential_ref, default_model, created_at, updated_at
		FROM providers
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderProfile
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider rows: %w", err)
	}

	return providers, nil
}

// UpdateProvider updates an existing provider profile.
// Returns ErrNotFound if the provider doesn't exist.
func (s *SQLiteStore) UpdateProvider(ctx context.Context, p *ProviderProfile) error {
	query := `
		UPDATE providers
		SET kind = ?, name = ?, base_url = ?, credential_ref = ?, default_model = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		p.Kind,
		p.Name,
		p.BaseURL,
		p.CredentialRef,
		p.DefaultModel,
		p.UpdatedAt.UTC().Format(time.RFC3339),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated provider", "id", p.ID)
	return nil
}

// DeleteProvider removes a provider profile.
// Returns ErrNotFound if the provider doesn't exist.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted provider", "id", id)
	return nil
}

// GetModelSelection retrieves a persisted provider/model pick.
// Returns ErrNotFound if the key has never been set.
func (s *SQLiteStore) GetModelSelection(ctx context.Context, key string) (*ModelSelection, error) {
	var sel ModelSelection
	var providerID, model sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT key, provider_id, model FROM model_selections WHERE key = ?
	`, key).Scan(&sel.Key, &providerID, &model)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying model selection: %w", err)
	}

	if providerID.Valid {
		sel.ProviderID = providerID.String
	}
	if model.Valid {
		sel.Model = model.String
	}
	return &sel, nil
}

// SetModelSelection saves or replaces a provider/model pick.
func (s *SQLiteStore) SetModelSelection(ctx context.Context, sel *ModelSelection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO model_selections (key, provider_id, model)
		VALUES (?, ?, ?)
	`, sel.Key, nullString(sel.ProviderID), nullString(sel.Model))
	if err != nil {
		return fmt.Errorf("saving model selection: %w", err)
	}

	s.logger.Debug("saved model selection", "key", sel.Key, "provider_id", sel.ProviderID, "model", sel.Model)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
