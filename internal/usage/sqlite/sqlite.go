// Package sqlite implements usage.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokledger/tokledger/internal/usage"
)

// Store is a SQLite-backed usage counter store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the usage database at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		subject_key  TEXT NOT NULL,
		window_kind  TEXT NOT NULL,
		window_start TIMESTAMP NOT NULL,
		requests     INTEGER NOT NULL DEFAULT 0,
		tokens       INTEGER NOT NULL DEFAULT 0,
		updated_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (subject_key, window_kind, window_start)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init usage schema: %w", err)
	}
	return nil
}

// Increment upserts the counter row for the triple. The composite primary
// key plus ON CONFLICT addition keeps the row unique and the counts
// monotonic under concurrent callers.
func (s *Store) Increment(ctx context.Context, subjectKey, windowKind string, windowStart time.Time, requestsDelta, tokensDelta int64) error {
	if err := usage.ValidateDeltas(requestsDelta, tokensDelta); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (subject_key, window_kind, window_start, requests, tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_key, window_kind, window_start) DO UPDATE SET
			requests   = requests + excluded.requests,
			tokens     = tokens + excluded.tokens,
			updated_at = excluded.updated_at`,
		subjectKey, windowKind, windowStart.UTC(), requestsDelta, tokensDelta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}
	return nil
}

// Get returns the counter row, or nil when none exists.
func (s *Store) Get(ctx context.Context, subjectKey, windowKind string, windowStart time.Time) (*usage.Counter, error) {
	var c usage.Counter
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_key, window_kind, window_start, requests, tokens, updated_at
		FROM usage_counters
		WHERE subject_key = ? AND window_kind = ? AND window_start = ?`,
		subjectKey, windowKind, windowStart.UTC(),
	).Scan(&c.SubjectKey, &c.WindowKind, &c.WindowStart, &c.Requests, &c.Tokens, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage counter: %w", err)
	}
	return &c, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
