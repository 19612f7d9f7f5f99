// Package sqlite implements grant.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/tokledger/tokledger/internal/grant"
)

// Store is a SQLite-backed grant store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the grant database at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create grant db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open grant db: %w", err)
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
	CREATE TABLE IF NOT EXISTS grants (
		account_id    TEXT PRIMARY KEY,
		grant_type    TEXT NOT NULL,
		variant       TEXT NOT NULL DEFAULT '',
		attribution   TEXT NOT NULL DEFAULT '',
		amount        TEXT NOT NULL,
		duration_days INTEGER NOT NULL DEFAULT 0,
		granted_at    TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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
		SELECT account_id, grant_type, variant, attribution, amount, duration_days, granted_at
		FROM grants WHERE account_id = ?`, accountID,
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
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
