package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Code classifies why a ledger operation was rejected.
type Code string

const (
	CodeInvalidAmount         Code = "invalid_amount"
	CodeAccountNotFound       Code = "account_not_found"
	CodeInsufficientBalance   Code = "insufficient_balance"
	CodeInsufficientAllowance Code = "insufficient_allowance_pool"
	CodeInsufficientPurchased Code = "insufficient_purchased_pool"
	CodeDuplicateRequest      Code = "duplicate_request"
	CodeUnexpectedFailure     Code = "unexpected_failure"
)

// Transaction types written to ledger entries. TxType is free-form; these
// cover the paths the billing layer uses.
const (
	TxUsage      = "usage"
	TxTopUp      = "top_up"
	TxReplenish  = "monthly_replenish"
	TxTrialGrant = "trial_grant"
	TxAdjustment = "adjustment"
)

// Pool identifies one of an account's two credit pools.
type Pool string

const (
	PoolAllowance Pool = "allowance"
	PoolPurchased Pool = "purchased"
)

// SplitEpsilon bounds the tolerated drift between a deduction total and the
// sum of its pool components. Callers that computed the split in floating
// point may be off by less than this; the allowance component is re-rounded
// to absorb the remainder before anything is persisted.
var SplitEpsilon = decimal.New(1, -6)

// Balance is an account's two credit pools.
type Balance struct {
	AccountID string          `json:"account_id"`
	Allowance decimal.Decimal `json:"allowance"`
	Purchased decimal.Decimal `json:"purchased"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total returns allowance + purchased.
func (b Balance) Total() decimal.Decimal {
	return b.Allowance.Add(b.Purchased)
}

// Entry is an immutable audit record of one balance change. Amount is
// signed: negative for deductions, positive for credits. BalanceAfter is
// always exactly BalanceBefore + Amount.
type Entry struct {
	ID             int64             `json:"id"`
	TransactionID  uuid.UUID         `json:"transaction_id"`
	AccountID      string            `json:"account_id"`
	Amount         decimal.Decimal   `json:"amount"`
	FromAllowance  decimal.Decimal   `json:"from_allowance"`
	FromPurchased  decimal.Decimal   `json:"from_purchased"`
	TxType         string            `json:"tx_type"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	BalanceBefore  decimal.Decimal   `json:"balance_before"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	AllowanceAfter decimal.Decimal   `json:"allowance_after"`
	PurchasedAfter decimal.Decimal   `json:"purchased_after"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DeductRequest asks for Total credits to be removed from an account,
// split across the two pools. FromAllowance + FromPurchased must equal
// Total within SplitEpsilon.
type DeductRequest struct {
	AccountID      string
	Total          decimal.Decimal
	FromAllowance  decimal.Decimal
	FromPurchased  decimal.Decimal
	TxType         string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string // optional; empty means no replay protection
}

// Validate checks amount preconditions and normalizes the split so the
// components sum to Total exactly. It does not touch balances.
func (r *DeductRequest) Validate() Code {
	if r.AccountID == "" {
		return CodeAccountNotFound
	}
	if r.Total.LessThanOrEqual(decimal.Zero) {
		return CodeInvalidAmount
	}
	if r.FromAllowance.IsNegative() || r.FromPurchased.IsNegative() {
		return CodeInvalidAmount
	}
	drift := r.FromAllowance.Add(r.FromPurchased).Sub(r.Total)
	if drift.Abs().GreaterThan(SplitEpsilon) {
		return CodeInvalidAmount
	}
	// Absorb sub-epsilon drift into the allowance component so the
	// persisted split partitions Total exactly.
	r.FromAllowance = r.Total.Sub(r.FromPurchased)
	if r.FromAllowance.IsNegative() {
		return CodeInvalidAmount
	}
	return ""
}

// DeductResult is the outcome of a Deduct call. On success the New* fields
// hold the post-deduction balances. On an insufficient-funds rejection they
// hold the untouched current balances; on any other rejection they are zero.
type DeductResult struct {
	Success       bool            `json:"success"`
	Code          Code            `json:"error,omitempty"`
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	NewAllowance  decimal.Decimal `json:"new_allowance"`
	NewPurchased  decimal.Decimal `json:"new_purchased"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	// Replayed is set when an idempotency key matched a prior entry and the
	// recorded result was returned without touching the balance.
	Replayed bool `json:"replayed,omitempty"`
}

// CreditRequest adds Amount to one pool. Unknown accounts are created with
// zero balances first; credits are how accounts come into existence.
type CreditRequest struct {
	AccountID      string
	Pool           Pool
	Amount         decimal.Decimal
	TxType         string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Validate checks credit preconditions.
func (r *CreditRequest) Validate() Code {
	if r.AccountID == "" {
		return CodeAccountNotFound
	}
	if r.Pool != PoolAllowance && r.Pool != PoolPurchased {
		return CodeInvalidAmount
	}
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return CodeInvalidAmount
	}
	return ""
}

// CreditResult mirrors DeductResult for the credit path.
type CreditResult struct {
	Success       bool            `json:"success"`
	Code          Code            `json:"error,omitempty"`
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	NewAllowance  decimal.Decimal `json:"new_allowance"`
	NewPurchased  decimal.Decimal `json:"new_purchased"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("ledger store closed")

// Store is the persistence contract for the credit ledger. Deduct and
// Credit are atomic: the balance mutation and the entry insert commit
// together or not at all, and concurrent calls against one account are
// fully serialized by the implementation.
//
// Business rejections (insufficient funds, bad split, unknown account) come
// back in the result with Success=false, Code set and a nil error. A
// non-nil error means the operation may not have run
// (CodeUnexpectedFailure territory); with no idempotency key the caller
// must not assume it failed, since a commit can land after a client-side
// timeout.
type Store interface {
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Credit(ctx context.Context, req CreditRequest) (CreditResult, error)
	// Balance returns nil when the account has no balance row.
	Balance(ctx context.Context, accountID string) (*Balance, error)
	// History returns the newest entries first.
	History(ctx context.Context, accountID string, limit int) ([]Entry, error)
	Close() error
}
