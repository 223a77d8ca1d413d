package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding session history.
// Safe for concurrent use; WAL mode and a busy timeout let a second
// process read while the relay writes.
type StateDB struct {
	db *sql.DB
}

// SessionRow is one relayed session, live or ended.
type SessionRow struct {
	ID        string
	UserID    int64
	ChatID    int64
	Name      string
	WorkDir   string
	CreatedAt time.Time
	EndedAt   time.Time // zero while running
	EndReason string
}

// EventRow is one recorded lifecycle event.
type EventRow struct {
	ID        int64
	SessionID string
	Kind      string
	FromPhase string
	ToPhase   string
	Detail    string
	At        time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Connection-scoped pragmas go in the DSN so every pooled connection
	// gets them.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			chat_id    INTEGER NOT NULL,
			name       TEXT NOT NULL,
			work_dir   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			ended_at   INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("statedb: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			kind       TEXT NOT NULL,
			from_phase TEXT NOT NULL DEFAULT '',
			to_phase   TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create events: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`); err != nil {
		return fmt.Errorf("statedb: create events index: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at)`); err != nil {
		return fmt.Errorf("statedb: create sessions index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Sessions ---

// SaveSession inserts or updates a session row. An existing end time is
// kept.
func (s *StateDB) SaveSession(ctx context.Context, row *SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, chat_id, name, work_dir, created_at, ended_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			work_dir = excluded.work_dir
	`, row.ID, row.UserID, row.ChatID, row.Name, row.WorkDir,
		row.CreatedAt.UnixMilli(), unixMilli(row.EndedAt), row.EndReason)
	if err != nil {
		return fmt.Errorf("statedb: save session %s: %w", row.ID, err)
	}
	return nil
}

// EndSession records when and why a session ended. Only the first end is
// kept.
func (s *StateDB) EndSession(ctx context.Context, id string, at time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at = 0",
		at.UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("statedb: end session %s: %w", id, err)
	}
	return nil
}

// Session loads one session row.
func (s *StateDB) Session(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chat_id, name, work_dir, created_at, ended_at, end_reason
		FROM sessions WHERE id = ?
	`, id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// SessionsForUser returns the user's most recent sessions, newest first.
func (s *StateDB) SessionsForUser(ctx context.Context, userID int64, limit int) ([]*SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, name, work_dir, created_at, ended_at, end_reason
		FROM sessions WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("statedb: list sessions: %w", err)
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// MarkOrphansEnded closes sessions left open by a previous run. It returns
// the number of rows changed.
func (s *StateDB) MarkOrphansEnded(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, end_reason = 'relay restarted' WHERE ended_at = 0",
		at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: close orphans: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*SessionRow, error) {
	var r SessionRow
	var created, ended int64
	if err := sc.Scan(&r.ID, &r.UserID, &r.ChatID, &r.Name, &r.WorkDir, &created, &ended, &r.EndReason); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(created)
	if ended != 0 {
		r.EndedAt = time.UnixMilli(ended)
	}
	return &r, nil
}

// --- Events ---

// AppendEvent stores an event and returns its ID.
func (s *StateDB) AppendEvent(ctx context.Context, ev *EventRow) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, kind, from_phase, to_phase, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.SessionID, ev.Kind, ev.FromPhase, ev.ToPhase, ev.Detail, ev.At.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: append event: %w", err)
	}
	return res.LastInsertId()
}

// Events returns the newest limit events of a session in chronological
// order.
func (s *StateDB) Events(ctx context.Context, sessionID string, limit int) ([]*EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, from_phase, to_phase, detail, at FROM (
			SELECT * FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("statedb: events: %w", err)
	}
	defer rows.Close()

	var result []*EventRow
	for rows.Next() {
		var r EventRow
		var at int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.FromPhase, &r.ToPhase, &r.Detail, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		result = append(result, &r)
	}
	return result, rows.Err()
}

// PruneEvents deletes events older than before and returns how many went.
func (s *StateDB) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: prune events: %w", err)
	}
	return res.RowsAffected()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
