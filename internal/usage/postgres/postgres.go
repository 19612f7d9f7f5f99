// Package postgres implements usage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tokledger/tokledger/internal/usage"
)

// Store is a PostgreSQL-backed usage counter store.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and ensures the counters table exists.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping usage db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		subject_key  TEXT NOT NULL,
		window_kind  TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		requests     BIGINT NOT NULL DEFAULT 0,
		tokens       BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (subject_key, window_kind, window_start)
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init usage schema: %w", err)
	}
	return nil
}

// Increment upserts the counter row for the triple. ON CONFLICT takes the
// row lock, so concurrent increments serialize and no delta is lost.
func (s *Store) Increment(ctx context.Context, subjectKey, windowKind string, windowStart time.Time, requestsDelta, tokensDelta int64) error {
	if err := usage.ValidateDeltas(requestsDelta, tokensDelta); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (subject_key, window_kind, window_start, requests, tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (subject_key, window_kind, window_start) DO UPDATE SET
			requests   = usage_counters.requests + EXCLUDED.requests,
			tokens     = usage_counters.tokens + EXCLUDED.tokens,
			updated_at = NOW()`,
		subjectKey, windowKind, windowStart.UTC(), requestsDelta, tokensDelta,
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
		WHERE subject_key = $1 AND window_kind = $2 AND window_start = $3`,
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
