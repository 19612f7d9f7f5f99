package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fund(t *testing.T, store *Store, account, allowance, purchased string) {
	t.Helper()
	ctx := context.Background()
	if allowance != "" && allowance != "0" {
		res, err := store.Credit(ctx, ledger.CreditRequest{
			AccountID: account, Pool: ledger.PoolAllowance, Amount: dec(allowance), TxType: ledger.TxReplenish,
		})
		if err != nil || !res.Success {
			t.Fatalf("fund allowance: res=%+v err=%v", res, err)
		}
	}
	if purchased != "" && purchased != "0" {
		res, err := store.Credit(ctx, ledger.CreditRequest{
			AccountID: account, Pool: ledger.PoolPurchased, Amount: dec(purchased), TxType: ledger.TxTopUp,
		})
		if err != nil || !res.Success {
			t.Fatalf("fund purchased: res=%+v err=%v", res, err)
		}
	}
}

func TestDeductSplitsAcrossPools(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-1", "10.00", "5.00")

	res, err := store.Deduct(ctx, ledger.DeductRequest{
		AccountID:     "acct-1",
		Total:         dec("12.00"),
		FromAllowance: dec("10.00"),
		FromPurchased: dec("2.00"),
		TxType:        ledger.TxUsage,
		Description:   "chat completion",
	})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !res.NewAllowance.Equal(dec("0")) {
		t.Fatalf("new allowance = %s, want 0", res.NewAllowance)
	}
	if !res.NewPurchased.Equal(dec("3.00")) {
		t.Fatalf("new purchased = %s, want 3.00", res.NewPurchased)
	}
	if !res.NewBalance.Equal(dec("3.00")) {
		t.Fatalf("new balance = %s, want 3.00", res.NewBalance)
	}

	// The emptied purchased pool now rejects a purchased-only deduction.
	res, err = store.Deduct(ctx, ledger.DeductRequest{
		AccountID:     "acct-1",
		Total:         dec("5.00"),
		FromAllowance: dec("0"),
		FromPurchased: dec("5.00"),
		TxType:        ledger.TxUsage,
	})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if res.Success || res.Code != ledger.CodeInsufficientPurchased {
		t.Fatalf("expected insufficient_purchased_pool, got %+v", res)
	}
	if !res.NewBalance.Equal(dec("3.00")) {
		t.Fatalf("balances must be unchanged on rejection, got %s", res.NewBalance)
	}
}

func TestDeductValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-v", "10", "0")

	cases := []struct {
		name string
		req  ledger.DeductRequest
		want ledger.Code
	}{
		{"zero total", ledger.DeductRequest{AccountID: "acct-v"}, ledger.CodeInvalidAmount},
		{"negative total", ledger.DeductRequest{AccountID: "acct-v", Total: dec("-1")}, ledger.CodeInvalidAmount},
		{"negative component", ledger.DeductRequest{AccountID: "acct-v", Total: dec("1"), FromAllowance: dec("2"), FromPurchased: dec("-1")}, ledger.CodeInvalidAmount},
		{"split does not sum", ledger.DeductRequest{AccountID: "acct-v", Total: dec("5"), FromAllowance: dec("1"), FromPurchased: dec("1")}, ledger.CodeInvalidAmount},
		{"missing account", ledger.DeductRequest{AccountID: "nobody", Total: dec("1"), FromAllowance: dec("1")}, ledger.CodeAccountNotFound},
		{"over total balance", ledger.DeductRequest{AccountID: "acct-v", Total: dec("11"), FromAllowance: dec("11")}, ledger.CodeInsufficientBalance},
	}
	for _, tc := range cases {
		res, err := store.Deduct(ctx, tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Success || res.Code != tc.want {
			t.Fatalf("%s: got %+v, want code %s", tc.name, res, tc.want)
		}
	}
}

func TestDeductAbsorbsFloatDrift(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-f", "1.00", "1.00")

	// Split computed in floating point: components miss the total by well
	// under the epsilon. The allowance side absorbs the remainder.
	res, err := store.Deduct(ctx, ledger.DeductRequest{
		AccountID:     "acct-f",
		Total:         dec("1.5"),
		FromAllowance: dec("0.9999999"),
		FromPurchased: dec("0.5"),
		TxType:        ledger.TxUsage,
	})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !res.NewAllowance.Equal(dec("0")) || !res.NewPurchased.Equal(dec("0.5")) {
		t.Fatalf("drift not absorbed: allowance=%s purchased=%s", res.NewAllowance, res.NewPurchased)
	}
}

func TestLedgerEntryConservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-c", "20.00", "10.00")

	deductions := []string{"3.25", "0.000001", "11.75"}
	for _, amt := range deductions {
		res, err := store.Deduct(ctx, ledger.DeductRequest{
			AccountID:     "acct-c",
			Total:         dec(amt),
			FromAllowance: dec(amt),
			TxType:        ledger.TxUsage,
		})
		if err != nil || !res.Success {
			t.Fatalf("Deduct %s: res=%+v err=%v", amt, res, err)
		}
	}

	entries, err := store.History(ctx, "acct-c", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 5 { // 2 credits + 3 deductions
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !e.BalanceAfter.Sub(e.BalanceBefore).Equal(e.Amount) {
			t.Fatalf("conservation violated: before=%s after=%s amount=%s",
				e.BalanceBefore, e.BalanceAfter, e.Amount)
		}
		if !e.AllowanceAfter.Add(e.PurchasedAfter).Equal(e.BalanceAfter) {
			t.Fatalf("pool snapshot mismatch: %+v", e)
		}
	}
	// Newest first.
	if !entries[0].Amount.Equal(dec("-11.75")) {
		t.Fatalf("unexpected ordering, first entry amount %s", entries[0].Amount)
	}
}

func TestIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-i", "10.00", "0")

	req := ledger.DeductRequest{
		AccountID:      "acct-i",
		Total:          dec("4.00"),
		FromAllowance:  dec("4.00"),
		TxType:         ledger.TxUsage,
		IdempotencyKey: "req-abc-123",
	}

	first, err := store.Deduct(ctx, req)
	if err != nil || !first.Success {
		t.Fatalf("first Deduct: res=%+v err=%v", first, err)
	}
	second, err := store.Deduct(ctx, req)
	if err != nil {
		t.Fatalf("second Deduct: %v", err)
	}
	if !second.Success || !second.Replayed || second.Code != ledger.CodeDuplicateRequest {
		t.Fatalf("expected replayed success, got %+v", second)
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("replay must return the original transaction id")
	}
	if !second.NewBalance.Equal(first.NewBalance) {
		t.Fatalf("replay balance %s != original %s", second.NewBalance, first.NewBalance)
	}

	b, err := store.Balance(ctx, "acct-i")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !b.Allowance.Equal(dec("6.00")) {
		t.Fatalf("balance deducted twice: allowance=%s", b.Allowance)
	}

	entries, err := store.History(ctx, "acct-i", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var keyed int
	for _, e := range entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == "req-abc-123" {
			keyed++
		}
	}
	if keyed != 1 {
		t.Fatalf("expected exactly one entry for the key, got %d", keyed)
	}
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-n", "10.00", "0")

	// 20 concurrent deductions of 1.00 against a balance of 10.00: exactly
	// 10 may succeed and the balance must land on zero, never below.
	const workers = 20
	var wg sync.WaitGroup
	results := make([]ledger.DeductResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Deduct(ctx, ledger.DeductRequest{
				AccountID:     "acct-n",
				Total:         dec("1.00"),
				FromAllowance: dec("1.00"),
				TxType:        ledger.TxUsage,
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		switch {
		case results[i].Success:
			ok++
		case results[i].Code == ledger.CodeInsufficientBalance,
			results[i].Code == ledger.CodeInsufficientAllowance:
			insufficient++
		default:
			t.Fatalf("worker %d unexpected result %+v", i, results[i])
		}
	}
	if ok != 10 || insufficient != 10 {
		t.Fatalf("got %d successes, %d rejections; want 10/10", ok, insufficient)
	}

	b, err := store.Balance(ctx, "acct-n")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !b.Allowance.Equal(dec("0")) || b.Allowance.IsNegative() {
		t.Fatalf("final allowance %s, want 0", b.Allowance)
	}
}

func TestConcurrentSameKeyDeductsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "acct-k", "10.00", "0")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ledger.DeductResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = store.Deduct(ctx, ledger.DeductRequest{
				AccountID:      "acct-k",
				Total:          dec("2.50"),
				FromAllowance:  dec("2.50"),
				TxType:         ledger.TxUsage,
				IdempotencyKey: "stream-77",
			})
		}(i)
	}
	wg.Wait()

	var fresh, replayed int
	for _, res := range results {
		if !res.Success {
			t.Fatalf("all calls should report success, got %+v", res)
		}
		if res.Replayed {
			replayed++
		} else {
			fresh++
		}
	}
	if fresh != 1 || replayed != workers-1 {
		t.Fatalf("fresh=%d replayed=%d, want 1/%d", fresh, replayed, workers-1)
	}

	b, _ := store.Balance(ctx, "acct-k")
	if !b.Allowance.Equal(dec("7.50")) {
		t.Fatalf("allowance %s, want 7.50 (single deduction)", b.Allowance)
	}
}

func TestCreditCreatesAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if b, err := store.Balance(ctx, "acct-new"); err != nil || b != nil {
		t.Fatalf("expected no balance row, got b=%+v err=%v", b, err)
	}

	res, err := store.Credit(ctx, ledger.CreditRequest{
		AccountID: "acct-new",
		Pool:      ledger.PoolPurchased,
		Amount:    dec("25.00"),
		TxType:    ledger.TxTopUp,
		Metadata:  map[string]string{"payment_id": "pay_9"},
	})
	if err != nil || !res.Success {
		t.Fatalf("Credit: res=%+v err=%v", res, err)
	}
	if !res.NewPurchased.Equal(dec("25.00")) || !res.NewAllowance.Equal(dec("0")) {
		t.Fatalf("unexpected balances %+v", res)
	}

	entries, err := store.History(ctx, "acct-new", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("History: entries=%d err=%v", len(entries), err)
	}
	if entries[0].Metadata["payment_id"] != "pay_9" {
		t.Fatalf("metadata lost: %+v", entries[0].Metadata)
	}
}

func TestCreditIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := ledger.CreditRequest{
		AccountID:      "acct-ci",
		Pool:           ledger.PoolAllowance,
		Amount:         dec("10.00"),
		TxType:         ledger.TxReplenish,
		IdempotencyKey: "cycle-2026-08",
	}
	first, err := store.Credit(ctx, req)
	if err != nil || !first.Success {
		t.Fatalf("first Credit: res=%+v err=%v", first, err)
	}
	second, err := store.Credit(ctx, req)
	if err != nil {
		t.Fatalf("second Credit: %v", err)
	}
	if !second.Replayed || second.TransactionID != first.TransactionID {
		t.Fatalf("expected replay of first credit, got %+v", second)
	}
	b, _ := store.Balance(ctx, "acct-ci")
	if !b.Allowance.Equal(dec("10.00")) {
		t.Fatalf("allowance %s, want 10.00 (single credit)", b.Allowance)
	}
}
