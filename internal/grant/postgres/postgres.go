// Package postgres implements grant.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/grant"
)

// Store is a PostgreSQL-backed grant store.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and ensures the grants table exists.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open grant db: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping grant db: %w", err)
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
	CREATE TABLE IF NOT EXISTS grants (
		account_id    TEXT PRIMARY KEY,
		grant_type    TEXT NOT NULL,
		variant       TEXT NOT NULL DEFAULT '',
		attribution   TEXT NOT NULL DEFAULT '',
		amount        NUMERIC(20,6) NOT NULL,
		duration_days INTEGER NOT NULL DEFAULT 0,
		granted_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init grant schema: %w", err)
	}
	return nil
}

// TryGrant inserts the record. The primary key on account_id arbitrates
// races: exactly one concurrent caller wins, the rest get already_granted.
func (s *Store) TryGrant(ctx context.Context, rec grant.Record) (grant.Result, error) {
	if rec.AccountID == "" {
		return grant.Result{}, fmt.Errorf("grant: account id is required")
	}
	if rec.GrantedAt.IsZero() {
		rec.GrantedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (account_id, grant_type, variant, attribution, amount, duration_days, granted_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		rec.AccountID, rec.GrantType, rec.Variant, rec.Attribution,
		rec.Amount.String(), rec.DurationDays, rec.GrantedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, gerr := s.Get(ctx, rec.AccountID)
			if gerr != nil {
				return grant.Result{}, fmt.Errorf("load existing grant: %w", gerr)
			}
			return grant.Result{Error: grant.ErrorAlreadyGranted, Existing: existing}, nil
		}
		return grant.Result{}, fmt.Errorf("insert grant: %w", err)
	}

	return grant.Result{Success: true}, nil
}

// Get returns the account's grant, or nil when none exists.
func (s *Store) Get(ctx context.Context, accountID string) (*grant.Record, error) {
	var (
		rec       grant.Record
		amountStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, grant_type, variant, attribution, amount::text, duration_days, granted_at
		FROM grants WHERE account_id = $1`, accountID,
	).Scan(&rec.AccountID, &rec.GrantType, &rec.Variant, &rec.Attribution,
		&amountStr, &rec.DurationDays, &rec.GrantedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}

	rec.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse grant amount %q: %w", amountStr, err)
	}
	return &rec, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
