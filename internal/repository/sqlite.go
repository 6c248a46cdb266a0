package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory {
		dsn = withFileDefaults(dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withFileDefaults adds a busy timeout, WAL journaling and foreign keys to a
// file DSN unless the caller set them. Concurrent sessions on different threads then queue on
// the write lock instead of failing with SQLITE_BUSY.
func withFileDefaults(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_journal") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(dsn, "_foreign_keys=") && !strings.Contains(dsn, "_fk=") {
		params = append(params, "_foreign_keys=on")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			done INTEGER NOT NULL DEFAULT 0,
			on_interrupt INTEGER NOT NULL DEFAULT 0,
			stopped INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			usage_id TEXT PRIMARY KEY,
			date TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_usage_date ON token_usage(date)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// request_count was added after the first ledger schema shipped.
	if err := s.ensureColumn("token_usage", "request_count", "ALTER TABLE token_usage ADD COLUMN request_count INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread creates a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *domain.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		thread.ThreadID, thread.Title, thread.CreatedAt.UTC(), thread.UpdatedAt.UTC())
	if err != nil {
		return unavailable("create thread", err)
	}
	return nil
}

// GetThread retrieves a thread by ID. It returns nil, nil when missing.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var thread domain.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, title, created_at, updated_at FROM threads WHERE thread_id = ?`,
		threadID).Scan(&thread.ThreadID, &thread.Title, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get thread", err)
	}
	return &thread, nil
}

// TouchThread bumps a thread's updated_at.
func (s *SQLiteStore) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE thread_id = ?`,
		at.UTC(), threadID)
	if err != nil {
		return unavailable("touch thread", err)
	}
	return nil
}

// ListThreads lists threads, most recently updated first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, title, created_at, updated_at FROM threads ORDER BY updated_at DESC, rowid DESC`)
	if err != nil {
		return nil, unavailable("list threads", err)
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var thread domain.Thread
		if err := rows.Scan(&thread.ThreadID, &thread.Title, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, unavailable("list threads", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list threads", err)
	}
	return threads, nil
}

// DeleteThread deletes a thread and all of its messages.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete thread", err)
	}
	defer tx.Rollback()

	// Explicit so the cascade does not depend on the connection's foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return unavailable("delete thread", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return unavailable("delete thread", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete thread", err)
	}
	return nil
}

const messageColumns = `message_id, thread_id, role, content, created_at, done, on_interrupt, stopped`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role string
	if err := row.Scan(&msg.MessageID, &msg.ThreadID, &role, &msg.Content, &msg.CreatedAt,
		&msg.Done, &msg.OnInterrupt, &msg.Stopped); err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	return &msg, nil
}

// AddMessage appends a message to its thread.
func (s *SQLiteStore) AddMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.ThreadID, string(message.Role), message.Content, message.CreatedAt.UTC(),
		message.Done, message.OnInterrupt, message.Stopped)
	if err != nil {
		return unavailable("add message", err)
	}
	return nil
}

// GetMessage retrieves a message by ID. It returns nil, nil when missing.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return msg, nil
}

// LoadThread returns a thread's messages in insertion order.
func (s *SQLiteStore) LoadThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`,
		threadID)
	if err != nil {
		return nil, unavailable("load thread", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("load thread", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load thread", err)
	}
	return messages, nil
}

// GetLatestMessageForThread returns the newest message of a thread, or nil.
func (s *SQLiteStore) GetLatestMessageForThread(ctx context.Context, threadID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest message", err)
	}
	return msg, nil
}

// UpdateMessage applies a partial update to a message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) error {
	if patch.Empty() {
		return nil
	}

	var sets []string
	var args []interface{}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Done != nil {
		sets = append(sets, "done = ?")
		args = append(args, *patch.Done)
	}
	if patch.OnInterrupt != nil {
		sets = append(sets, "on_interrupt = ?")
		args = append(args, *patch.OnInterrupt)
	}
	if patch.Stopped != nil {
		sets = append(sets, "stopped = ?")
		args = append(args, *patch.Stopped)
	}
	args = append(args, messageID)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE messages SET %s WHERE message_id = ?`, strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return unavailable("update message", err)
	}
	return requireAffected(res, "update message")
}

// AppendMessageContent appends delta to a non-terminal message.
func (s *SQLiteStore) AppendMessageContent(ctx context.Context, messageID, delta string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = content || ?
		 WHERE message_id = ? AND done = 0 AND on_interrupt = 0 AND stopped = 0`,
		delta, messageID)
	if err != nil {
		return unavailable("append message content", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("append message content", err)
	}
	if n == 0 {
		return ErrMessageFinalized
	}
	return nil
}

// FinalizeMessage sets one terminal flag if none is set yet.
// It reports whether the flag was applied.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, messageID string, flag domain.TerminalFlag) (bool, error) {
	var column string
	switch flag {
	case domain.FlagDone:
		column = "done"
	case domain.FlagOnInterrupt:
		column = "on_interrupt"
	case domain.FlagStopped:
		column = "stopped"
	default:
		return false, fmt.Errorf("unknown terminal flag %q", flag)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE messages SET %s = 1
		 WHERE message_id = ? AND done = 0 AND on_interrupt = 0 AND stopped = 0`, column),
		messageID)
	if err != nil {
		return false, unavailable("finalize message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("finalize message", err)
	}
	return n > 0, nil
}

// ResetMessage clears content and terminal flags for a regeneration.
func (s *SQLiteStore) ResetMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = '', done = 0, on_interrupt = 0, stopped = 0 WHERE message_id = ?`,
		messageID)
	if err != nil {
		return unavailable("reset message", err)
	}
	return requireAffected(res, "reset message")
}

// CancelPendingMessage marks an empty, non-terminal ai message stopped.
// It reports whether the row matched.
func (s *SQLiteStore) CancelPendingMessage(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET stopped = 1
		 WHERE message_id = ? AND role = ? AND content = ''
		   AND done = 0 AND on_interrupt = 0 AND stopped = 0`,
		messageID, string(domain.RoleAI))
	if err != nil {
		return false, unavailable("cancel pending message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("cancel pending message", err)
	}
	return n > 0, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// RecordTokenUsage appends a ledger row.
func (s *SQLiteStore) RecordTokenUsage(ctx context.Context, usage *domain.TokenUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (usage_id, date, model, provider, input_tokens, output_tokens, total_tokens, request_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.UsageID, usage.Date, usage.Model, usage.Provider,
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.RequestCount, usage.CreatedAt.UTC())
	if err != nil {
		return unavailable("record token usage", err)
	}
	return nil
}

// ListTokenUsage lists ledger rows for a date, or all rows when date is empty.
func (s *SQLiteStore) ListTokenUsage(ctx context.Context, date string) ([]domain.TokenUsage, error) {
	query := `SELECT usage_id, date, model, provider, input_tokens, output_tokens, total_tokens, request_count, created_at FROM token_usage`
	var args []interface{}
	if date != "" {
		query += ` WHERE date = ?`
		args = append(args, date)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list token usage", err)
	}
	defer rows.Close()

	var usages []domain.TokenUsage
	for rows.Next() {
		var u domain.TokenUsage
		if err := rows.Scan(&u.UsageID, &u.Date, &u.Model, &u.Provider,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.RequestCount, &u.CreatedAt); err != nil {
			return nil, unavailable("list token usage", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list token usage", err)
	}
	return usages, nil
}

// GetSetting reads one setting.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get setting", err)
	}
	return value, true, nil
}

// SetSetting upserts one setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return unavailable("set setting", err)
	}
	return nil
}

// ListSettings returns every stored setting.
func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, unavailable("list settings", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, unavailable("list settings", err)
		}
		settings[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list settings", err)
	}
	return settings, nil
}
