package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/promptloop/framework"
)

// SQLiteChatlogStore keeps sessions in a SQLite database, one row per entry.
type SQLiteChatlogStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteChatlogStore opens/creates the database at dbPath.
func NewSQLiteChatlogStore(dbPath string) (*SQLiteChatlogStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteChatlogStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteChatlogStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entries (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY(session_id, seq),
		FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteChatlogStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores entries for a session, creating it on first use.
func (s *SQLiteChatlogStore) Append(ctx context.Context, sessionID string, entries ...framework.ChatEntry) (err error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	existing, err := loadEntries(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := existing.Concat(entries).Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if _, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at
	`, sessionID, now, now); err != nil {
		return err
	}
	for i, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (session_id, seq, role, payload) VALUES (?, ?, ?, ?)`,
			sessionID, len(existing)+i, string(entry.Role), string(payload),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Load returns the session history.
func (s *SQLiteChatlogStore) Load(ctx context.Context, sessionID string) (framework.Chatlog, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}
	return loadEntries(ctx, s.db, sessionID)
}

// List returns stored sessions, most recently updated first.
func (s *SQLiteChatlogStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT s.id, s.created_at, s.updated_at,
		(SELECT COUNT(1) FROM entries e WHERE e.session_id = s.id)
	FROM sessions s
	ORDER BY s.updated_at DESC, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt, &session.Entries); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Delete removes a session and its entries.
func (s *SQLiteChatlogStore) Delete(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadEntries(ctx context.Context, q queryer, sessionID string) (framework.Chatlog, error) {
	rows, err := q.QueryContext(ctx, `SELECT payload FROM entries WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var log framework.Chatlog
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry framework.ChatEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, err
		}
		log = append(log, entry)
	}
	return log, rows.Err()
}
