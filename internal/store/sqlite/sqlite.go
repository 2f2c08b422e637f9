// Package sqlite implements the store interfaces using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"forge/internal/store"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed implementations of all repositories.
//
// Every mutation is reported to the event sink after it commits, so
// live UI surfaces track the database without polling.
type Store struct {
	db     *sql.DB
	events store.EventSink
}

// New opens (or creates) the SQLite database at path. The sink may be
// nil, in which case mutations are not broadcast.
func New(path string, events store.EventSink) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	return &Store{db: db, events: events}, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) notify(job store.Job) {
	if s.events != nil {
		s.events.JobChanged(job)
	}
}

// Timestamps are stored as RFC 3339 strings, matching what the status
// sidecar files on disk use.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
