// Package persistence keeps a SQLite ledger of session connections so
// operators can see what was admitted, resumed and closed, including
// across server restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Connection states recorded in the ledger.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// ConnectionRecord is one admitted session. Token holds the redacted form
// only; the ledger is never a source of usable reconnection tokens.
type ConnectionRecord struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Type        string `json:"type"`
	State       string `json:"state"`
	RemoteAddr  string `json:"remoteAddr"`
	Pid         int    `json:"pid,omitempty"`
	Reconnects  int    `json:"reconnects"`
	CreatedAt   string `json:"createdAt"` // ISO 8601
	UpdatedAt   string `json:"updatedAt"`
	ClosedAt    string `json:"closedAt,omitempty"`
	CloseReason string `json:"closeReason,omitempty"`
}

// Store is the connection ledger backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the connections table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			reconnects INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			closed_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_connections_state ON connections(state);
	`)
	return err
}

// migrateV2 records why a connection was closed.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE connections ADD COLUMN close_reason TEXT NOT NULL DEFAULT ''`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RecordAdmitted inserts a newly admitted connection.
func (s *Store) RecordAdmitted(rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	if rec.CreatedAt == "" {
		rec.CreatedAt = ts
	}
	if rec.State == "" {
		rec.State = StateOpen
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO connections
			(id, token, type, state, remote_addr, pid, reconnects, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Token, rec.Type, rec.State, rec.RemoteAddr, rec.Pid, rec.Reconnects, rec.CreatedAt, ts,
	)
	if err != nil {
		return fmt.Errorf("record admitted connection: %w", err)
	}
	return nil
}

// RecordReconnected counts a reconnect and updates the remote address.
func (s *Store) RecordReconnected(id, remoteAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE connections SET reconnects = reconnects + 1, remote_addr = ?, updated_at = ? WHERE id = ?",
		remoteAddr, now(), id,
	)
	if err != nil {
		return fmt.Errorf("record reconnect: %w", err)
	}
	return nil
}

// RecordClosed marks a connection closed.
func (s *Store) RecordClosed(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.Exec(
		"UPDATE connections SET state = ?, closed_at = ?, close_reason = ?, updated_at = ? WHERE id = ?",
		StateClosed, ts, reason, ts, id,
	)
	if err != nil {
		return fmt.Errorf("record closed connection: %w", err)
	}
	return nil
}

// CloseStale marks every open connection closed. Called at startup: open
// rows left over from a previous run can no longer be resumed.
func (s *Store) CloseStale(reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.Exec(
		"UPDATE connections SET state = ?, closed_at = ?, close_reason = ?, updated_at = ? WHERE state = ?",
		StateClosed, ts, reason, ts, StateOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("close stale connections: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count stale connections: %w", err)
	}
	return int(n), nil
}

// GetConnection returns one record, or nil if it does not exist.
func (s *Store) GetConnection(id string) (*ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM connections WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return rec, nil
}

// ListConnections returns the most recent records first. Closed records
// are included only when includeClosed is set. limit <= 0 means no limit.
func (s *Store) ListConnections(includeClosed bool, limit int) ([]ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + recordColumns + ` FROM connections`
	args := []any{}
	if !includeClosed {
		query += " WHERE state = ?"
		args = append(args, StateOpen)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	records := []ConnectionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return records, nil
}

const recordColumns = `id, token, type, state, remote_addr, pid, reconnects, created_at, updated_at, closed_at, close_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*ConnectionRecord, error) {
	var r ConnectionRecord
	if err := row.Scan(&r.ID, &r.Token, &r.Type, &r.State, &r.RemoteAddr, &r.Pid,
		&r.Reconnects, &r.CreatedAt, &r.UpdatedAt, &r.ClosedAt, &r.CloseReason); err != nil {
		return nil, err
	}
	return &r, nil
}
