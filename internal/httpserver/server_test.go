package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/billing"
	grantsqlite "github.com/tokledger/tokledger/internal/grant/sqlite"
	ledgersqlite "github.com/tokledger/tokledger/internal/ledger/sqlite"
	"github.com/tokledger/tokledger/internal/reconcile"
	reconcilesqlite "github.com/tokledger/tokledger/internal/reconcile/sqlite"
	usagesqlite "github.com/tokledger/tokledger/internal/usage/sqlite"
)

func newTestServer(t *testing.T) (*Server, *reconcilesqlite.Store) {
	t.Helper()
	dir := t.TempDir()

	ls, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("create ledger store: %v", err)
	}
	t.Cleanup(func() { ls.Close() })

	gs, err := grantsqlite.New(filepath.Join(dir, "grants.db"))
	if err != nil {
		t.Fatalf("create grant store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })

	rs, err := reconcilesqlite.New(filepath.Join(dir, "reconcile.db"))
	if err != nil {
		t.Fatalf("create reconcile store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	us, err := usagesqlite.New(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("create usage store: %v", err)
	}
	t.Cleanup(func() { us.Close() })

	svc, err := billing.NewService(billing.Config{Ledger: ls, Grants: gs, Counters: us})
	if err != nil {
		t.Fatalf("create billing service: %v", err)
	}

	return New(Deps{Billing: svc, Ledger: ls, Reconcile: rs, Grants: gs, Counters: us}), rs
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	decoded := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, decoded
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := doJSON(t, s.Router(), http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestCreditThenBalance(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/credit", map[string]any{
		"amount": "25.00", "pool": "allowance", "tx_type": "replenishment",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("credit status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr, body := doJSON(t, router, http.MethodGet, "/api/v1/accounts/acct-1/balance", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rr.Code)
	}
	if body["allowance"] != "25" {
		t.Errorf("allowance = %v, want 25", body["allowance"])
	}
}

func TestBalanceUnknownAccount(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.Router(), http.MethodGet, "/api/v1/accounts/ghost/balance", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestChargeInsufficientBalanceIsPaymentRequired(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/credit", map[string]any{
		"amount": "1.00", "pool": "allowance",
	})

	rr, body := doJSON(t, router, http.MethodPost, "/api/v1/charge", map[string]any{
		"account_id": "acct-1", "request_id": "req-1", "cost": "5.00",
	})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 (body=%s)", rr.Code, rr.Body.String())
	}
	if body["error"] != "insufficient_balance" {
		t.Errorf("error = %v, want insufficient_balance", body["error"])
	}
}

func TestChargeSucceedsAndReplays(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/credit", map[string]any{
		"amount": "10.00", "pool": "allowance",
	})

	charge := map[string]any{
		"account_id": "acct-1", "subject_key": "key-1", "request_id": "req-7",
		"prompt_tokens": 100, "completion_tokens": 50, "cost": "2.50",
	}
	rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/charge", charge)
	if rr.Code != http.StatusOK {
		t.Fatalf("first charge status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr, body := doJSON(t, router, http.MethodPost, "/api/v1/charge", charge)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay charge status = %d", rr.Code)
	}
	if body["replayed"] != true {
		t.Errorf("expected replayed charge, got %v", body)
	}

	rr, body = doJSON(t, router, http.MethodGet, "/api/v1/accounts/acct-1/balance", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rr.Code)
	}
	if body["total"] != "7.5" {
		t.Errorf("total = %v, want 7.5 (charged once)", body["total"])
	}
}

func TestGrantConflict(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	payload := map[string]any{"grant_type": "trial", "amount": "5.00", "duration_days": 14}
	rr, _ := doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/grant", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("first grant status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr, body := doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/grant", payload)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second grant status = %d, want 409", rr.Code)
	}
	if body["error"] != "already_granted" {
		t.Errorf("error = %v, want already_granted", body["error"])
	}
}

func TestReconcileLifecycleOverHTTP(t *testing.T) {
	s, rs := newTestServer(t)
	router := s.Router()

	id, err := rs.Record(context.Background(), reconcile.FailedDeduction{
		AccountID:    "acct-1",
		Cost:         decimal.RequireFromString("3.25"),
		Endpoint:     "/v1/chat/completions",
		ErrorMessage: "ledger write timed out",
	})
	if err != nil {
		t.Fatalf("seed failure record: %v", err)
	}

	rr, body := doJSON(t, router, http.MethodGet, "/api/v1/reconcile/pending", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rr.Code)
	}
	if body["count"] != float64(1) {
		t.Fatalf("pending count = %v, want 1", body["count"])
	}

	rr, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/reconcile/%s/resolve", id), map[string]any{
		"status": "resolved", "resolved_by": "ops@example.com", "notes": "credited manually",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d body=%s", rr.Code, rr.Body.String())
	}

	// A second resolve hits a terminal record.
	rr, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/reconcile/%s/resolve", id), map[string]any{
		"status": "written_off", "resolved_by": "ops@example.com",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("double resolve status = %d, want 409", rr.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/api/v1/accounts/acct-1/credit", map[string]any{
		"amount": "10.00", "pool": "allowance",
	})
	doJSON(t, router, http.MethodPost, "/api/v1/charge", map[string]any{
		"account_id": "acct-1", "subject_key": "key-9", "request_id": "req-9",
		"prompt_tokens": 10, "completion_tokens": 20, "cost": "0.10",
	})

	rr, body := doJSON(t, router, http.MethodGet, "/api/v1/usage/key-9/hour", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rr.Code)
	}
	counter, ok := body["counter"].(map[string]any)
	if !ok {
		t.Fatalf("missing counter in %v", body)
	}
	if counter["requests"] != float64(1) || counter["tokens"] != float64(30) {
		t.Errorf("counter = %v, want 1 request / 30 tokens", counter)
	}

	rr, _ = doJSON(t, router, http.MethodGet, "/api/v1/usage/key-9/fortnight", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown window status = %d, want 400", rr.Code)
	}
}
