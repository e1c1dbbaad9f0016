package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", connOptions(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if isMemoryDSN(dsn) {
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

// connOptions adds the per-connection settings the store relies on unless
// the DSN already names them. Transactions begin IMMEDIATE so a
// read-modify-write never has to upgrade its lock, and busy connections wait
// instead of failing.
func connOptions(dsn string) string {
	opts := []struct{ key, alias, value string }{
		{"_foreign_keys", "_fk", "on"},
		{"_txlock", "", "immediate"},
		{"_busy_timeout", "_timeout", "5000"},
	}
	if !isMemoryDSN(dsn) {
		opts = append(opts, struct{ key, alias, value string }{"_journal_mode", "_journal", "WAL"})
	}
	for _, o := range opts {
		if hasOption(dsn, o.key) || (o.alias != "" && hasOption(dsn, o.alias)) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + o.key + "=" + o.value
	}
	return dsn
}

func hasOption(dsn, key string) bool {
	i := strings.Index(dsn, "?")
	if i < 0 {
		return false
	}
	for _, kv := range strings.Split(dsn[i+1:], "&") {
		if strings.HasPrefix(kv, key+"=") {
			return true
		}
	}
	return false
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			model TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_name TEXT,
			tool_args TEXT,
			partial TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Databases created before the incremental log existed lack the column.
	return s.ensureColumn("turns", "partial", "ALTER TABLE turns ADD COLUMN partial TEXT")
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

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, model, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, nullString(session.Title), session.Model, nullString(string(session.Config)), session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, metadata, created_at FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, metadata, created_at FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// UpdateSessionTitle sets the session title unconditionally.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, nullString(title), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// SetTitleIfEmpty sets the title only while it is empty.
func (s *SQLiteStore) SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND (title IS NULL OR title = '')`,
		title, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSession deletes a session and its turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return tx.Commit()
}

// CreateTurn inserts a turn and assigns its ID.
func (s *SQLiteStore) CreateTurn(ctx context.Context, turn *domain.Turn) error {
	if turn.Partial.Entries == nil {
		turn.Partial.Entries = []domain.LogEntry{}
	}
	partial, err := json.Marshal(turn.Partial)
	if err != nil {
		return fmt.Errorf("failed to marshal partial log: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, ts, role, content, tool_name, tool_args, partial) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.CreatedAt, string(turn.Role), turn.Content,
		nullString(turn.ToolName), nullString(string(turn.ToolArgs)), string(partial))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	turn.ID = id
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *SQLiteStore) GetTurn(ctx context.Context, turnID int64) (*domain.Turn, error) {
	return s.getTurn(ctx, s.db, turnID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) getTurn(ctx context.Context, q queryRower, turnID int64) (*domain.Turn, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, session_id, ts, role, content, tool_name, tool_args, partial FROM turns WHERE id = ?`, turnID)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTurnNotFound
	}
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// ListTurns returns the turns of a session in creation order.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ts, role, content, tool_name, tool_args, partial FROM turns WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	return turns, rows.Err()
}

// ListOpenTurns returns turns whose log is not complete.
func (s *SQLiteStore) ListOpenTurns(ctx context.Context, limit int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ts, role, content, tool_name, tool_args, partial FROM turns
		 WHERE partial IS NULL OR json_extract(partial, '$.complete') IS NOT 1
		 ORDER BY id ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	return turns, rows.Err()
}

// AppendTurn appends one increment to the content and the log.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		return appendEntry(t, entry)
	})
}

// CompleteTurn marks the turn's log complete.
func (s *SQLiteStore) CompleteTurn(ctx context.Context, turnID int64, interrupted bool) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		completeLog(t, interrupted)
		return nil
	})
}

// ReplaceTurnContent rewrites the turn content to a single entry.
func (s *SQLiteStore) ReplaceTurnContent(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		return replaceEntries(t, entry)
	})
}

// mutateTurn reads, modifies and writes content and log in one transaction
// so readers never observe one without the other.
func (s *SQLiteStore) mutateTurn(ctx context.Context, turnID int64, fn func(*domain.Turn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	turn, err := s.getTurn(ctx, tx, turnID)
	if err != nil {
		return err
	}
	if err := fn(turn); err != nil {
		return err
	}
	partial, err := json.Marshal(turn.Partial)
	if err != nil {
		return fmt.Errorf("failed to marshal partial log: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE turns SET content = ?, partial = ? WHERE id = ?`,
		turn.Content, string(partial), turnID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var title, metadata sql.NullString
	if err := row.Scan(&session.ID, &title, &session.Model, &metadata, &session.CreatedAt); err != nil {
		return nil, err
	}
	session.Title = title.String
	if metadata.Valid && metadata.String != "" {
		session.Config = json.RawMessage(metadata.String)
	}
	return &session, nil
}

func scanTurn(row rowScanner) (*domain.Turn, error) {
	var turn domain.Turn
	var role string
	var toolName, toolArgs, partial sql.NullString
	var ts time.Time
	if err := row.Scan(&turn.ID, &turn.SessionID, &ts, &role, &turn.Content, &toolName, &toolArgs, &partial); err != nil {
		return nil, err
	}
	turn.CreatedAt = ts
	turn.Role = domain.Role(role)
	turn.ToolName = toolName.String
	if toolArgs.Valid && toolArgs.String != "" {
		turn.ToolArgs = json.RawMessage(toolArgs.String)
	}
	if partial.Valid && partial.String != "" {
		if err := json.Unmarshal([]byte(partial.String), &turn.Partial); err != nil {
			return nil, fmt.Errorf("failed to decode partial log: %w", err)
		}
	}
	if turn.Partial.Entries == nil {
		turn.Partial.Entries = []domain.LogEntry{}
	}
	return &turn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
