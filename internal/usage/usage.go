// Package usage tracks per-subject request and token counters over fixed
// time windows. The counters feed throttling decisions made upstream; this
// package only accumulates them.
package usage

import (
	"context"
	"fmt"
	"time"
)

// Window kinds.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
	WindowMonth  = "month"
)

// Counter is one subject's accumulated usage for a single window. Exactly
// one row exists per (subject, window kind, window start) and its counts
// never decrease while the window is live.
type Counter struct {
	SubjectKey  string    `json:"subject_key"`
	WindowKind  string    `json:"window_kind"`
	WindowStart time.Time `json:"window_start"`
	Requests    int64     `json:"requests"`
	Tokens      int64     `json:"tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists usage counters.
type Store interface {
	// Increment upserts the counter row for the triple, creating it at
	// zero-plus-delta when absent. Deltas must be non-negative.
	Increment(ctx context.Context, subjectKey, windowKind string, windowStart time.Time, requestsDelta, tokensDelta int64) error
	// Get returns the counter row, or nil when none exists.
	Get(ctx context.Context, subjectKey, windowKind string, windowStart time.Time) (*Counter, error)
	Close() error
}

// WindowStart truncates now to the start of the window containing it.
// Callers pass the result to Increment; stores have no clock logic.
func WindowStart(kind string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch kind {
	case WindowMinute:
		return now.Truncate(time.Minute), nil
	case WindowHour:
		return now.Truncate(time.Hour), nil
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unknown window kind %q", kind)
	}
}

// ValidateDeltas rejects negative deltas. Counters only ever grow; a
// negative delta indicates a caller bug, not a legitimate decrement.
func ValidateDeltas(requestsDelta, tokensDelta int64) error {
	if requestsDelta < 0 || tokensDelta < 0 {
		return fmt.Errorf("usage deltas must be non-negative (requests=%d tokens=%d)", requestsDelta, tokensDelta)
	}
	return nil
}
