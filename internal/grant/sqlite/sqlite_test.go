package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/grant"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "grants.db"))
	if err != nil {
		t.Fatalf("failed to create grant store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTryGrantOncePerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := grant.Record{
		AccountID:    "acct-1",
		GrantType:    grant.TypeTrial,
		Variant:      "launch-2026",
		Amount:       decimal.RequireFromString("5.00"),
		DurationDays: 14,
	}

	res, err := s.TryGrant(ctx, rec)
	if err != nil {
		t.Fatalf("first TryGrant failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("first TryGrant not successful: %+v", res)
	}

	// Second attempt with different attribution must lose to the first.
	rec.Attribution = "partner-x"
	res, err = s.TryGrant(ctx, rec)
	if err != nil {
		t.Fatalf("second TryGrant errored: %v", err)
	}
	if res.Success {
		t.Fatal("second TryGrant succeeded, expected already_granted")
	}
	if res.Error != grant.ErrorAlreadyGranted {
		t.Errorf("error = %q, want %q", res.Error, grant.ErrorAlreadyGranted)
	}
	if res.Existing == nil {
		t.Fatal("expected existing record on duplicate")
	}
	if res.Existing.Attribution != "" {
		t.Errorf("existing attribution = %q, want the first writer's (empty)", res.Existing.Attribution)
	}
	if !res.Existing.Amount.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("existing amount = %s, want 5.00", res.Existing.Amount)
	}
}

func TestTryGrantRequiresAccount(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.TryGrant(context.Background(), grant.Record{GrantType: grant.TypeTrial}); err == nil {
		t.Fatal("expected error for missing account id")
	}
}

func TestGetMissingGrant(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for unknown account, got %+v", rec)
	}
}

func TestConcurrentTryGrantExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		lost   int
		failed []error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryGrant(ctx, grant.Record{
				AccountID: "acct-race",
				GrantType: grant.TypeTrial,
				Amount:    decimal.RequireFromString("5.00"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			if res.Success {
				won++
			} else {
				lost++
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		t.Fatalf("TryGrant errors: %v", failed)
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if lost != workers-1 {
		t.Errorf("already_granted count = %d, want %d", lost, workers-1)
	}
}
