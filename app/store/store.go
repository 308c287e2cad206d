// Package store implements sqlite-backed persistence for the job queue and
// the append-only event log. A single Store is shared by the submission path
// (insert-only), the worker (claim and delete) and the web layer (reads).
package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrValidation indicates a malformed job submission, rejected before queueing
var ErrValidation = errors.New("validation failed")

// Store provides sqlite persistence for jobs and events
type Store struct {
	db *sqlx.DB

	claims claimSet
}

// New opens (or creates) the sqlite database at path and initializes the schema
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db, claims: newClaimSet()}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initialize creates the database schema
func (s *Store) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			repo TEXT NOT NULL DEFAULT '',
			auto_pr BOOLEAN NOT NULL DEFAULT 1,
			enqueued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			line TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
