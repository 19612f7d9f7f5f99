package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokledger/tokledger/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. Per-account
// serialization uses SELECT ... FOR UPDATE on the balance row; the lock is
// held only for the duration of one deduct/credit transaction and never
// spans more than one account.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for connection pooling.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// New opens a PostgreSQL-backed ledger store using the provided DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
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
CREATE TABLE IF NOT EXISTS account_balances (
	account_id TEXT PRIMARY KEY,
	allowance NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (allowance >= 0),
	purchased NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (purchased >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	transaction_id UUID NOT NULL,
	account_id TEXT NOT NULL,
	amount NUMERIC(20,6) NOT NULL,
	from_allowance NUMERIC(20,6) NOT NULL DEFAULT 0,
	from_purchased NUMERIC(20,6) NOT NULL DEFAULT 0,
	tx_type TEXT NOT NULL,
	description TEXT,
	metadata JSONB,
	balance_before NUMERIC(20,6) NOT NULL,
	balance_after NUMERIC(20,6) NOT NULL,
	allowance_after NUMERIC(20,6) NOT NULL,
	purchased_after NUMERIC(20,6) NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_txid ON ledger_entries(transaction_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_idem ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
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

// Deduct removes req.Total from the account. The balance row is locked with
// FOR UPDATE for the duration of the transaction, so two concurrent calls
// for one account are fully serialized; the second one does not read
// balances until the first commits or rolls back.
func (s *Store) Deduct(ctx context.Context, req ledger.DeductRequest) (ledger.DeductResult, error) {
	if code := req.Validate(); code != "" {
		return ledger.DeductResult{Code: code}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("begin deduct tx: %w", err)
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		if prior, err := s.replayByKey(ctx, tx, req.IdempotencyKey); err != nil {
			return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, err
		} else if prior != nil {
			return *prior, nil
		}
	}

	var allowStr, purchStr string
	err = tx.QueryRowContext(ctx, `
SELECT allowance::text, purchased::text FROM account_balances
WHERE account_id = $1 FOR UPDATE`, req.AccountID).Scan(&allowStr, &purchStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DeductResult{Code: ledger.CodeAccountNotFound}, nil
	}
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("lock balance: %w", err)
	}

	allowance, purchased, err := parsePools(allowStr, purchStr)
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, err
	}

	if allowance.Add(purchased).LessThan(req.Total) {
		return rejected(ledger.CodeInsufficientBalance, allowance, purchased), nil
	}
	if allowance.LessThan(req.FromAllowance) {
		return rejected(ledger.CodeInsufficientAllowance, allowance, purchased), nil
	}
	if purchased.LessThan(req.FromPurchased) {
		return rejected(ledger.CodeInsufficientPurchased, allowance, purchased), nil
	}

	newAllowance := allowance.Sub(req.FromAllowance)
	newPurchased := purchased.Sub(req.FromPurchased)
	before := allowance.Add(purchased)
	after := newAllowance.Add(newPurchased)

	if _, err := tx.ExecContext(ctx, `
UPDATE account_balances SET allowance = $1::numeric, purchased = $2::numeric, updated_at = NOW()
WHERE account_id = $3`,
		newAllowance.String(), newPurchased.String(), req.AccountID); err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("update balance: %w", err)
	}

	txID := uuid.New()
	if err := s.insertEntry(ctx, tx, txID, req.AccountID, req.Total.Neg(),
		req.FromAllowance, req.FromPurchased, req.TxType, req.Description, req.Metadata,
		before, after, newAllowance, newPurchased, req.IdempotencyKey); err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			// Lost a same-key race that slipped past the pre-check. The
			// unique index is the authority; return the winner's result.
			_ = tx.Rollback()
			return s.replayCommitted(ctx, req.IdempotencyKey)
		}
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("commit deduct: %w", err)
	}

	return ledger.DeductResult{
		Success:       true,
		TransactionID: txID,
		NewAllowance:  newAllowance,
		NewPurchased:  newPurchased,
		NewBalance:    after,
	}, nil
}

// Credit adds req.Amount to one pool, creating the balance row if absent.
func (s *Store) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.CreditResult, error) {
	if code := req.Validate(); code != "" {
		return ledger.CreditResult{Code: code}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		if prior, err := s.replayByKey(ctx, tx, req.IdempotencyKey); err != nil {
			return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, err
		} else if prior != nil {
			return creditReplay(*prior), nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO account_balances(account_id) VALUES($1) ON CONFLICT (account_id) DO NOTHING`, req.AccountID); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("ensure balance row: %w", err)
	}

	var allowStr, purchStr string
	if err := tx.QueryRowContext(ctx, `
SELECT allowance::text, purchased::text FROM account_balances
WHERE account_id = $1 FOR UPDATE`, req.AccountID).Scan(&allowStr, &purchStr); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("lock balance: %w", err)
	}
	allowance, purchased, err := parsePools(allowStr, purchStr)
	if err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, err
	}

	before := allowance.Add(purchased)
	fromAllowance := decimal.Zero
	fromPurchased := decimal.Zero
	if req.Pool == ledger.PoolAllowance {
		allowance = allowance.Add(req.Amount)
		fromAllowance = req.Amount
	} else {
		purchased = purchased.Add(req.Amount)
		fromPurchased = req.Amount
	}
	after := allowance.Add(purchased)

	if _, err := tx.ExecContext(ctx, `
UPDATE account_balances SET allowance = $1::numeric, purchased = $2::numeric, updated_at = NOW()
WHERE account_id = $3`,
		allowance.String(), purchased.String(), req.AccountID); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("update balance: %w", err)
	}

	txID := uuid.New()
	if err := s.insertEntry(ctx, tx, txID, req.AccountID, req.Amount,
		fromAllowance, fromPurchased, req.TxType, req.Description, req.Metadata,
		before, after, allowance, purchased, req.IdempotencyKey); err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			_ = tx.Rollback()
			prior, rerr := s.replayCommitted(ctx, req.IdempotencyKey)
			if rerr != nil {
				return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, rerr
			}
			return creditReplay(prior), nil
		}
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("commit credit: %w", err)
	}

	return ledger.CreditResult{
		Success:       true,
		TransactionID: txID,
		NewAllowance:  allowance,
		NewPurchased:  purchased,
		NewBalance:    after,
	}, nil
}

// Balance returns the account's pools, or nil when no row exists.
func (s *Store) Balance(ctx context.Context, accountID string) (*ledger.Balance, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	var b ledger.Balance
	var allowStr, purchStr string
	err := s.db.QueryRowContext(ctx, `
SELECT account_id, allowance::text, purchased::text, updated_at
FROM account_balances WHERE account_id = $1`, accountID).
		Scan(&b.AccountID, &allowStr, &purchStr, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if b.Allowance, b.Purchased, err = parsePools(allowStr, purchStr); err != nil {
		return nil, err
	}
	return &b, nil
}

// History returns the latest entries for an account, newest first.
func (s *Store) History(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, transaction_id, account_id, amount::text, from_allowance::text, from_purchased::text,
       tx_type, description, metadata, balance_before::text, balance_after::text,
       allowance_after::text, purchased_after::text, idempotency_key, created_at
FROM ledger_entries
WHERE account_id = $1
ORDER BY id DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var txID, amount, fromA, fromP, before, after, allowAfter, purchAfter string
		var desc, meta, idem sql.NullString
		if err := rows.Scan(&e.ID, &txID, &e.AccountID, &amount, &fromA, &fromP,
			&e.TxType, &desc, &meta, &before, &after, &allowAfter, &purchAfter,
			&idem, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.TransactionID, err = uuid.Parse(txID); err != nil {
			return nil, fmt.Errorf("parse transaction id: %w", err)
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&e.Amount, amount},
			{&e.FromAllowance, fromA},
			{&e.FromPurchased, fromP},
			{&e.BalanceBefore, before},
			{&e.BalanceAfter, after},
			{&e.AllowanceAfter, allowAfter},
			{&e.PurchasedAfter, purchAfter},
		} {
			if *p.dst, err = decimal.NewFromString(p.src); err != nil {
				return nil, fmt.Errorf("parse amount %q: %w", p.src, err)
			}
		}
		e.Description = desc.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if idem.Valid {
			key := idem.String
			e.IdempotencyKey = &key
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, txID uuid.UUID,
	accountID string, amount, fromAllowance, fromPurchased decimal.Decimal,
	txType, description string, metadata map[string]string,
	before, after, allowanceAfter, purchasedAfter decimal.Decimal, idemKey string) error {

	var meta interface{}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	var idem interface{}
	if idemKey != "" {
		idem = idemKey
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(
	transaction_id, account_id, amount, from_allowance, from_purchased,
	tx_type, description, metadata, balance_before, balance_after,
	allowance_after, purchased_after, idempotency_key)
VALUES($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8::jsonb,
       $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13)`,
		txID, accountID, amount.String(), fromAllowance.String(), fromPurchased.String(),
		txType, description, meta, before.String(), after.String(),
		allowanceAfter.String(), purchasedAfter.String(), idem)
	return err
}

func (s *Store) replayByKey(ctx context.Context, tx *sql.Tx, key string) (*ledger.DeductResult, error) {
	var txID uuid.UUID
	var allowAfter, purchAfter, after string
	err := tx.QueryRowContext(ctx, `
SELECT transaction_id, allowance_after::text, purchased_after::text, balance_after::text
FROM ledger_entries WHERE idempotency_key = $1`, key).
		Scan(&txID, &allowAfter, &purchAfter, &after)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return buildReplay(txID, allowAfter, purchAfter, after)
}

func (s *Store) replayCommitted(ctx context.Context, key string) (ledger.DeductResult, error) {
	var txID uuid.UUID
	var allowAfter, purchAfter, after string
	err := s.db.QueryRowContext(ctx, `
SELECT transaction_id, allowance_after::text, purchased_after::text, balance_after::text
FROM ledger_entries WHERE idempotency_key = $1`, key).
		Scan(&txID, &allowAfter, &purchAfter, &after)
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("idempotency re-read: %w", err)
	}
	res, err := buildReplay(txID, allowAfter, purchAfter, after)
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, err
	}
	return *res, nil
}

func buildReplay(txID uuid.UUID, allowAfter, purchAfter, after string) (*ledger.DeductResult, error) {
	res := ledger.DeductResult{
		Success:       true,
		Code:          ledger.CodeDuplicateRequest,
		TransactionID: txID,
		Replayed:      true,
	}
	var err error
	if res.NewAllowance, err = decimal.NewFromString(allowAfter); err != nil {
		return nil, fmt.Errorf("parse allowance_after: %w", err)
	}
	if res.NewPurchased, err = decimal.NewFromString(purchAfter); err != nil {
		return nil, fmt.Errorf("parse purchased_after: %w", err)
	}
	if res.NewBalance, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("parse balance_after: %w", err)
	}
	return &res, nil
}

func creditReplay(prior ledger.DeductResult) ledger.CreditResult {
	return ledger.CreditResult{
		Success:       true,
		Code:          prior.Code,
		TransactionID: prior.TransactionID,
		NewAllowance:  prior.NewAllowance,
		NewPurchased:  prior.NewPurchased,
		NewBalance:    prior.NewBalance,
		Replayed:      true,
	}
}

func rejected(code ledger.Code, allowance, purchased decimal.Decimal) ledger.DeductResult {
	return ledger.DeductResult{
		Code:         code,
		NewAllowance: allowance,
		NewPurchased: purchased,
		NewBalance:   allowance.Add(purchased),
	}
}

func parsePools(allowStr, purchStr string) (decimal.Decimal, decimal.Decimal, error) {
	allowance, err := decimal.NewFromString(allowStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse allowance %q: %w", allowStr, err)
	}
	purchased, err := decimal.NewFromString(purchStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse purchased %q: %w", purchStr, err)
	}
	return allowance, purchased, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
