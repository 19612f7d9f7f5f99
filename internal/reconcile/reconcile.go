// Package reconcile captures deductions that failed after the caller had
// already committed to a response. Streaming endpoints deliver tokens before
// the final cost is known; when the deduction then fails, the failure is
// parked here for an operator instead of failing the user-visible request
// or blindly retrying the charge.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a failed deduction record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusResolved   Status = "resolved"
	StatusWrittenOff Status = "written_off"
)

// Valid reports whether s is a known terminal resolution status.
func (s Status) ValidResolution() bool {
	return s == StatusResolved || s == StatusWrittenOff
}

var (
	// ErrNotFound is returned by Resolve for an unknown record id.
	ErrNotFound = errors.New("failed deduction record not found")
	// ErrNotPending is returned when resolving a record that already
	// reached a terminal status.
	ErrNotPending = errors.New("failed deduction record is not pending")
)

// FailedDeduction is one deduction that could not be durably recorded.
// Records are created by the billing path and transitioned only by an
// explicit operator action; they are never deleted.
type FailedDeduction struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id,omitempty"` // may be unknown at failure time
	Model            string          `json:"model,omitempty"`
	Cost             decimal.Decimal `json:"cost"`
	TotalTokens      int64           `json:"total_tokens"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	Endpoint         string          `json:"endpoint"`
	ErrorMessage     string          `json:"error_message"`
	Status           Status          `json:"status"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	ResolutionNotes  string          `json:"resolution_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// Store persists failed deduction records.
type Store interface {
	// Record inserts a new pending record and returns its id.
	Record(ctx context.Context, fd FailedDeduction) (string, error)
	// Resolve transitions a pending record to resolved or written_off.
	// Transitions from a terminal status return ErrNotPending.
	Resolve(ctx context.Context, id string, status Status, resolver, notes string) error
	// Get returns one record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*FailedDeduction, error)
	// ListPending returns pending records, oldest first.
	ListPending(ctx context.Context, limit int) ([]FailedDeduction, error)
	Close() error
}
