package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokledger/tokledger/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. Writes go through a
// single connection, so per-account serialization comes for free; SQLite
// would serialize writers at the database level anyway.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	allowance TEXT NOT NULL DEFAULT '0',
	purchased TEXT NOT NULL DEFAULT '0',
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	from_allowance TEXT NOT NULL DEFAULT '0',
	from_purchased TEXT NOT NULL DEFAULT '0',
	tx_type TEXT NOT NULL,
	description TEXT,
	metadata TEXT,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	allowance_after TEXT NOT NULL,
	purchased_after TEXT NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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

// Deduct removes req.Total from the account inside one transaction: the
// balance update and the entry insert commit together or not at all.
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
		if prior, err := replayByKey(ctx, tx, req.IdempotencyKey); err != nil {
			return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, err
		} else if prior != nil {
			return *prior, nil
		}
	}

	var allowStr, purchStr string
	err = tx.QueryRowContext(ctx, `
SELECT allowance, purchased FROM account_balances WHERE account_id = ?`, req.AccountID).
		Scan(&allowStr, &purchStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DeductResult{Code: ledger.CodeAccountNotFound}, nil
	}
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("read balance: %w", err)
	}

	allowance, purchased, err := parsePools(allowStr, purchStr)
	if err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, err
	}

	if code := checkFunds(allowance, purchased, req); code != "" {
		return ledger.DeductResult{
			Code:         code,
			NewAllowance: allowance,
			NewPurchased: purchased,
			NewBalance:   allowance.Add(purchased),
		}, nil
	}

	newAllowance := allowance.Sub(req.FromAllowance)
	newPurchased := purchased.Sub(req.FromPurchased)
	before := allowance.Add(purchased)
	after := newAllowance.Add(newPurchased)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
UPDATE account_balances SET allowance = ?, purchased = ?, updated_at = ? WHERE account_id = ?`,
		newAllowance.String(), newPurchased.String(), now, req.AccountID); err != nil {
		return ledger.DeductResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("update balance: %w", err)
	}

	txID := uuid.New()
	if err := insertEntry(ctx, tx, entryRow{
		txID:           txID,
		accountID:      req.AccountID,
		amount:         req.Total.Neg(),
		fromAllowance:  req.FromAllowance,
		fromPurchased:  req.FromPurchased,
		txType:         req.TxType,
		description:    req.Description,
		metadata:       req.Metadata,
		balanceBefore:  before,
		balanceAfter:   after,
		allowanceAfter: newAllowance,
		purchasedAfter: newPurchased,
		idempotencyKey: req.IdempotencyKey,
		createdAt:      now,
	}); err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			// A concurrent call with the same key won the race. Surface its
			// result instead of deducting twice.
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
		if prior, err := replayByKey(ctx, tx, req.IdempotencyKey); err != nil {
			return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, err
		} else if prior != nil {
			return ledger.CreditResult{
				Success:       true,
				Code:          prior.Code,
				TransactionID: prior.TransactionID,
				NewAllowance:  prior.NewAllowance,
				NewPurchased:  prior.NewPurchased,
				NewBalance:    prior.NewBalance,
				Replayed:      true,
			}, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO account_balances(account_id, updated_at) VALUES(?, ?) ON CONFLICT(account_id) DO NOTHING`,
		req.AccountID, time.Now().UTC()); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("ensure balance row: %w", err)
	}

	var allowStr, purchStr string
	if err := tx.QueryRowContext(ctx, `
SELECT allowance, purchased FROM account_balances WHERE account_id = ?`, req.AccountID).
		Scan(&allowStr, &purchStr); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("read balance: %w", err)
	}
	allowance, purchased, err := parsePools(allowStr, purchStr)
	if err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, err
	}

	before := allowance.Add(purchased)
	if req.Pool == ledger.PoolAllowance {
		allowance = allowance.Add(req.Amount)
	} else {
		purchased = purchased.Add(req.Amount)
	}
	after := allowance.Add(purchased)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
UPDATE account_balances SET allowance = ?, purchased = ?, updated_at = ? WHERE account_id = ?`,
		allowance.String(), purchased.String(), now, req.AccountID); err != nil {
		return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, fmt.Errorf("update balance: %w", err)
	}

	fromAllowance := decimal.Zero
	fromPurchased := decimal.Zero
	if req.Pool == ledger.PoolAllowance {
		fromAllowance = req.Amount
	} else {
		fromPurchased = req.Amount
	}

	txID := uuid.New()
	if err := insertEntry(ctx, tx, entryRow{
		txID:           txID,
		accountID:      req.AccountID,
		amount:         req.Amount,
		fromAllowance:  fromAllowance,
		fromPurchased:  fromPurchased,
		txType:         req.TxType,
		description:    req.Description,
		metadata:       req.Metadata,
		balanceBefore:  before,
		balanceAfter:   after,
		allowanceAfter: allowance,
		purchasedAfter: purchased,
		idempotencyKey: req.IdempotencyKey,
		createdAt:      now,
	}); err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			_ = tx.Rollback()
			prior, rerr := s.replayCommitted(ctx, req.IdempotencyKey)
			if rerr != nil {
				return ledger.CreditResult{Code: ledger.CodeUnexpectedFailure}, rerr
			}
			return ledger.CreditResult{
				Success:       true,
				Code:          prior.Code,
				TransactionID: prior.TransactionID,
				NewAllowance:  prior.NewAllowance,
				NewPurchased:  prior.NewPurchased,
				NewBalance:    prior.NewBalance,
				Replayed:      true,
			}, nil
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
SELECT account_id, allowance, purchased, updated_at FROM account_balances WHERE account_id = ?`, accountID).
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
SELECT id, transaction_id, account_id, amount, from_allowance, from_purchased,
       tx_type, description, metadata, balance_before, balance_after,
       allowance_after, purchased_after, idempotency_key, created_at
FROM ledger_entries
WHERE account_id = ?
ORDER BY id DESC
LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type entryRow struct {
	txID           uuid.UUID
	accountID      string
	amount         decimal.Decimal
	fromAllowance  decimal.Decimal
	fromPurchased  decimal.Decimal
	txType         string
	description    string
	metadata       map[string]string
	balanceBefore  decimal.Decimal
	balanceAfter   decimal.Decimal
	allowanceAfter decimal.Decimal
	purchasedAfter decimal.Decimal
	idempotencyKey string
	createdAt      time.Time
}

func insertEntry(ctx context.Context, tx *sql.Tx, row entryRow) error {
	var meta interface{}
	if len(row.metadata) > 0 {
		b, err := json.Marshal(row.metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	var idem interface{}
	if row.idempotencyKey != "" {
		idem = row.idempotencyKey
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(
	transaction_id, account_id, amount, from_allowance, from_purchased,
	tx_type, description, metadata, balance_before, balance_after,
	allowance_after, purchased_after, idempotency_key, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.txID.String(), row.accountID, row.amount.String(),
		row.fromAllowance.String(), row.fromPurchased.String(),
		row.txType, row.description, meta,
		row.balanceBefore.String(), row.balanceAfter.String(),
		row.allowanceAfter.String(), row.purchasedAfter.String(),
		idem, row.createdAt)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var txID, amount, fromA, fromP, before, after, allowAfter, purchAfter string
	var desc, meta, idem sql.NullString
	if err := r.Scan(&e.ID, &txID, &e.AccountID, &amount, &fromA, &fromP,
		&e.TxType, &desc, &meta, &before, &after, &allowAfter, &purchAfter,
		&idem, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	var err error
	if e.TransactionID, err = uuid.Parse(txID); err != nil {
		return ledger.Entry{}, fmt.Errorf("parse transaction id: %w", err)
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
			return ledger.Entry{}, fmt.Errorf("parse amount %q: %w", p.src, err)
		}
	}
	e.Description = desc.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if idem.Valid {
		key := idem.String
		e.IdempotencyKey = &key
	}
	return e, nil
}

// replayByKey returns the result recorded for a prior call with the same
// idempotency key, or nil when no such entry exists.
func replayByKey(ctx context.Context, tx *sql.Tx, key string) (*ledger.DeductResult, error) {
	var txID, allowAfter, purchAfter, after string
	err := tx.QueryRowContext(ctx, `
SELECT transaction_id, allowance_after, purchased_after, balance_after
FROM ledger_entries WHERE idempotency_key = ?`, key).
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
	var txID, allowAfter, purchAfter, after string
	err := s.db.QueryRowContext(ctx, `
SELECT transaction_id, allowance_after, purchased_after, balance_after
FROM ledger_entries WHERE idempotency_key = ?`, key).
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

func buildReplay(txID, allowAfter, purchAfter, after string) (*ledger.DeductResult, error) {
	id, err := uuid.Parse(txID)
	if err != nil {
		return nil, fmt.Errorf("parse transaction id: %w", err)
	}
	res := ledger.DeductResult{
		Success:       true,
		Code:          ledger.CodeDuplicateRequest,
		TransactionID: id,
		Replayed:      true,
	}
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

func checkFunds(allowance, purchased decimal.Decimal, req ledger.DeductRequest) ledger.Code {
	if allowance.Add(purchased).LessThan(req.Total) {
		return ledger.CodeInsufficientBalance
	}
	if allowance.LessThan(req.FromAllowance) {
		return ledger.CodeInsufficientAllowance
	}
	if purchased.LessThan(req.FromPurchased) {
		return ledger.CodeInsufficientPurchased
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
