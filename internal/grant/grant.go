// Package grant records one-time credit grants (trials, partner promos).
// The at-most-once guarantee lives in the storage layer: TryGrant is an
// unconditional insert against a unique constraint on the account id, so
// concurrent attempts cannot both succeed the way a check-then-insert
// sequence can.
package grant

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorAlreadyGranted is the only rejection TryGrant produces.
const ErrorAlreadyGranted = "already_granted"

// Grant types.
const (
	TypeTrial   = "trial"
	TypePartner = "partner_promo"
)

// Record is one account's one-time grant. At most one exists per account.
type Record struct {
	AccountID    string          `json:"account_id"`
	GrantType    string          `json:"grant_type"`
	Variant      string          `json:"variant,omitempty"`
	Attribution  string          `json:"attribution,omitempty"` // e.g. partner code
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
	GrantedAt    time.Time       `json:"granted_at"`
}

// Result is the outcome of a TryGrant call. On a duplicate, Existing holds
// the record that already won.
type Result struct {
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"` // ErrorAlreadyGranted
	Existing *Record `json:"existing,omitempty"`
}

// Store persists grant records.
type Store interface {
	// TryGrant inserts the record. A second insert for the same account
	// returns Success=false with Error=ErrorAlreadyGranted; it is not an
	// operational error.
	TryGrant(ctx context.Context, rec Record) (Result, error)
	// Get returns the account's grant record, or nil when none exists.
	Get(ctx context.Context, accountID string) (*Record, error)
	Close() error
}
