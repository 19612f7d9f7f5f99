package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokledger/tokledger/internal/reconcile"
)

// Store implements reconcile.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite reconciliation store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create reconcile directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS failed_deductions (
	id TEXT PRIMARY KEY,
	account_id TEXT,
	model TEXT,
	cost TEXT NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	endpoint TEXT,
	error_message TEXT,
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','resolved','written_off')),
	resolved_by TEXT,
	resolution_notes TEXT,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failed_deductions_status_created ON failed_deductions(status, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new pending record and returns its id.
func (s *Store) Record(ctx context.Context, fd reconcile.FailedDeduction) (string, error) {
	id := fd.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := fd.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var account interface{}
	if fd.AccountID != "" {
		account = fd.AccountID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO failed_deductions(
	id, account_id, model, cost, total_tokens, prompt_tokens, completion_tokens,
	endpoint, error_message, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, account, fd.Model, fd.Cost.String(),
		fd.TotalTokens, fd.PromptTokens, fd.CompletionTokens,
		fd.Endpoint, fd.ErrorMessage, created)
	if err != nil {
		return "", fmt.Errorf("record failed deduction: %w", err)
	}
	return id, nil
}

// Resolve transitions a pending record to a terminal status. The update is
// conditioned on status='pending'; the affected-row count decides whether
// the transition was accepted, so concurrent resolvers cannot both win.
func (s *Store) Resolve(ctx context.Context, id string, status reconcile.Status, resolver, notes string) error {
	if !status.ValidResolution() {
		return fmt.Errorf("invalid resolution status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE failed_deductions
SET status = ?, resolved_by = ?, resolution_notes = ?, resolved_at = ?
WHERE id = ? AND status = 'pending'`,
		string(status), resolver, notes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve failed deduction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM failed_deductions WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return reconcile.ErrNotFound
		}
		if err != nil {
			return err
		}
		return reconcile.ErrNotPending
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*reconcile.FailedDeduction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, account_id, model, cost, total_tokens, prompt_tokens, completion_tokens,
       endpoint, error_message, status, resolved_by, resolution_notes, created_at, resolved_at
FROM failed_deductions WHERE id = ?`, id)
	fd, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fd, nil
}

// ListPending returns pending records, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]reconcile.FailedDeduction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, model, cost, total_tokens, prompt_tokens, completion_tokens,
       endpoint, error_message, status, resolved_by, resolution_notes, created_at, resolved_at
FROM failed_deductions
WHERE status = 'pending'
ORDER BY created_at
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []reconcile.FailedDeduction
	for rows.Next() {
		fd, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *fd)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(r rowScanner) (*reconcile.FailedDeduction, error) {
	var fd reconcile.FailedDeduction
	var account, model, endpoint, errMsg, resolvedBy, notes sql.NullString
	var cost, status string
	var resolvedAt sql.NullTime
	if err := r.Scan(&fd.ID, &account, &model, &cost,
		&fd.TotalTokens, &fd.PromptTokens, &fd.CompletionTokens,
		&endpoint, &errMsg, &status, &resolvedBy, &notes,
		&fd.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	if fd.Cost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("parse cost %q: %w", cost, err)
	}
	fd.AccountID = account.String
	fd.Model = model.String
	fd.Endpoint = endpoint.String
	fd.ErrorMessage = errMsg.String
	fd.Status = reconcile.Status(status)
	fd.ResolvedBy = resolvedBy.String
	fd.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		fd.ResolvedAt = &t
	}
	return &fd, nil
}
