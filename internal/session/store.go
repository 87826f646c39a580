// Package session provides durable conversation memory: an append-only
// turn log plus a single rolling summary, both in SQLite so state
// survives restarts on the same small host.
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Turn is one completed exchange.
type Turn struct {
	ID        string
	Origin    string // "voice", "text", "proactive"
	Query     string
	Reply     string
	StartedAt time.Time
	EndedAt   time.Time
	Truncated bool
}

// Store is the SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		query TEXT NOT NULL,
		reply TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL,
		truncated BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);

	-- Single-row rolling summary. The version column is the optimistic
	-- guard for detached summarizer writes.
	CREATE TABLE IF NOT EXISTS summary (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		text TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one completed turn.
func (s *Store) Append(t Turn) error {
	_, err := s.db.Exec(
		`INSERT INTO turns (id, origin, query, reply, started_at, ended_at, truncated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Origin, t.Query, t.Reply, t.StartedAt.UTC(), t.EndedAt.UTC(), t.Truncated,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns the last n turns, oldest first.
func (s *Store) Recent(n int) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, origin, query, reply, started_at, ended_at, truncated
		 FROM turns ORDER BY started_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Origin, &t.Query, &t.Reply, &t.StartedAt, &t.EndedAt, &t.Truncated); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnCount returns the total number of recorded turns.
func (s *Store) TurnCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// Summary returns the current rolling summary and its version. A
// missing row yields an empty summary at version 0.
func (s *Store) Summary() (string, int64, error) {
	var text string
	var version int64
	err := s.db.QueryRow(`SELECT text, version FROM summary WHERE id = 1`).Scan(&text, &version)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read summary: %w", err)
	}
	return text, version, nil
}

// SetSummary writes a new summary if no newer one committed since the
// caller read baseVersion. Returns false when the write was discarded
// as stale.
func (s *Store) SetSummary(text string, baseVersion int64) (bool, error) {
	now := time.Now().UTC()

	if baseVersion == 0 {
		res, err := s.db.Exec(
			`INSERT INTO summary (id, text, version, updated_at) VALUES (1, ?, 1, ?)
			 ON CONFLICT(id) DO UPDATE SET text = excluded.text, version = summary.version + 1, updated_at = excluded.updated_at
			 WHERE summary.version = 0`,
			text, now,
		)
		if err != nil {
			return false, fmt.Errorf("write summary: %w", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := s.db.Exec(
		`UPDATE summary SET text = ?, version = version + 1, updated_at = ? WHERE id = 1 AND version = ?`,
		text, now, baseVersion,
	)
	if err != nil {
		return false, fmt.Errorf("write summary: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
