// Package collector implements the Result Collector (C6): a single
// consumer that writes every parser-emitted record once to a SQLite store
// (best-effort: a failed insert is logged and not retried), then hands it
// to the user's CollectResults hook. The SQLite
// layer is grounded on the teacher's internal/storage WAL-pragma,
// prepared-statement style (internal/storage/database.go), repurposed
// from a URL/page schema to an opaque per-task result log.
package collector

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists parser-emitted records for a task.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	task string

	insertStmt *sql.Stmt
}

// OpenStore opens (creating if necessary) a SQLite-backed result store at
// path, WAL-mode like the teacher's Database, since the collector is the
// single writer and workers only ever append through it.
func OpenStore(path, taskName string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("collector: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("collector: ping: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("collector: create schema: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO results (task, payload, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("collector: prepare insert: %w", err)
	}

	return &Store{db: db, task: taskName, insertStmt: stmt}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_task ON results(task);
`

// Insert persists one record as JSON. Storage is best-effort durability
// alongside the user's own CollectResults hook, not a replacement for it.
func (s *Store) Insert(record any, now time.Time) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("collector: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.insertStmt.Exec(s.task, string(payload), now)
	if err != nil {
		return fmt.Errorf("collector: insert: %w", err)
	}
	return nil
}

// Rows returns every stored payload for this task, in insertion order.
func (s *Store) Rows() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT payload FROM results WHERE task = ? ORDER BY id ASC`, s.task)
	if err != nil {
		return nil, fmt.Errorf("collector: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("collector: scan: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// Count returns how many records are stored for this task.
func (s *Store) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM results WHERE task = ?`, s.task).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("collector: count: %w", err)
	}
	return n, nil
}

// Close releases the prepared statement and database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	return s.db.Close()
}
