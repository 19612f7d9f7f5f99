// Package billing orchestrates the credit subsystem: it computes pool
// splits, charges the ledger, tracks usage windows, and routes failed
// post-stream deductions to the reconciliation queue.
package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/grant"
	"github.com/tokledger/tokledger/internal/ledger"
	"github.com/tokledger/tokledger/internal/reconcile"
	"github.com/tokledger/tokledger/internal/usage"
)

// Service coordinates the stores. All methods are safe for concurrent use
// because the stores themselves arbitrate races.
type Service struct {
	ledger   ledger.Store
	grants   grant.Store
	counters usage.Store
	recorder *reconcile.Recorder
	logger   *log.Logger
}

// Config holds the Service dependencies. Recorder and Counters are
// optional; a nil Recorder drops failed-deduction records (with a log
// line), a nil Counters skips usage tracking.
type Config struct {
	Ledger   ledger.Store
	Grants   grant.Store
	Counters usage.Store
	Recorder *reconcile.Recorder
	Logger   *log.Logger
}

// NewService wires a billing service from its stores.
func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("billing: ledger store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		ledger:   cfg.Ledger,
		grants:   cfg.Grants,
		counters: cfg.Counters,
		recorder: cfg.Recorder,
		logger:   logger,
	}, nil
}

// ChargeRequest describes one completed API call to bill.
type ChargeRequest struct {
	AccountID        string
	SubjectKey       string // API credential, used for usage windows
	RequestID        string // becomes the idempotency key; generated if empty
	Model            string
	Endpoint         string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
}

func (r *ChargeRequest) totalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Charge deducts the request's cost synchronously, spending allowance
// before purchased credits. Business rejections come back in the result
// with a nil error; a non-nil error means the deduction may not have run
// and the caller must not assume either way.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (ledger.DeductResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	key := "req-" + req.RequestID

	fromAllowance, fromPurchased, err := s.splitCost(ctx, req.AccountID, req.Cost)
	if err != nil {
		return ledger.DeductResult{}, err
	}

	res, err := s.ledger.Deduct(ctx, ledger.DeductRequest{
		AccountID:      req.AccountID,
		Total:          req.Cost,
		FromAllowance:  fromAllowance,
		FromPurchased:  fromPurchased,
		TxType:         ledger.TxUsage,
		Description:    fmt.Sprintf("%s %s", req.Endpoint, req.Model),
		IdempotencyKey: key,
		Metadata: map[string]string{
			"model":             req.Model,
			"endpoint":          req.Endpoint,
			"prompt_tokens":     fmt.Sprintf("%d", req.PromptTokens),
			"completion_tokens": fmt.Sprintf("%d", req.CompletionTokens),
		},
	})
	if err != nil {
		return ledger.DeductResult{}, err
	}

	if res.Success && !res.Replayed {
		s.trackUsage(ctx, req)
	}
	return res, nil
}

// ChargeStream bills a request whose response has already been delivered.
// It never returns an error to the caller: anything that prevents the
// deduction from being durably recorded goes to the reconciliation queue
// instead. Duplicate replays are treated as success.
func (s *Service) ChargeStream(ctx context.Context, req ChargeRequest) ledger.DeductResult {
	res, err := s.Charge(ctx, req)
	if err == nil && res.Success {
		return res
	}

	reason := string(res.Code)
	if err != nil {
		reason = fmt.Sprintf("deduct error: %v", err)
	}
	s.recordFailure(req, reason)
	return res
}

func (s *Service) recordFailure(req ChargeRequest, reason string) {
	fd := reconcile.FailedDeduction{
		AccountID:        req.AccountID,
		Model:            req.Model,
		Cost:             req.Cost,
		TotalTokens:      int64(req.totalTokens()),
		PromptTokens:     int64(req.PromptTokens),
		CompletionTokens: int64(req.CompletionTokens),
		Endpoint:         req.Endpoint,
		ErrorMessage:     reason,
	}
	if s.recorder == nil {
		s.logger.Printf("[ERROR] No reconciliation recorder, dropping failed deduction: account=%s cost=%s reason=%s",
			req.AccountID, req.Cost, reason)
		return
	}
	s.recorder.Record(fd)
}

// splitCost reads the balance and spends allowance first. An unknown
// account splits as all-allowance; the store rejects it with
// account_not_found and keeps the error shape uniform.
func (s *Service) splitCost(ctx context.Context, accountID string, cost decimal.Decimal) (fromAllowance, fromPurchased decimal.Decimal, err error) {
	bal, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	if bal == nil || bal.Allowance.GreaterThanOrEqual(cost) {
		return cost, decimal.Zero, nil
	}
	fromAllowance = bal.Allowance
	fromPurchased = cost.Sub(fromAllowance)
	return fromAllowance, fromPurchased, nil
}

func (s *Service) trackUsage(ctx context.Context, req ChargeRequest) {
	if s.counters == nil || req.SubjectKey == "" {
		return
	}
	now := time.Now()
	for _, kind := range []string{usage.WindowHour, usage.WindowDay} {
		start, err := usage.WindowStart(kind, now)
		if err != nil {
			continue
		}
		if err := s.counters.Increment(ctx, req.SubjectKey, kind, start, 1, int64(req.totalTokens())); err != nil {
			s.logger.Printf("[WARN] Failed to track usage for %s (%s window): %v", req.SubjectKey, kind, err)
		}
	}
}

// TopUp credits purchased credits from a payment event. The payment id is
// the idempotency key, so webhook retries cannot double-credit.
func (s *Service) TopUp(ctx context.Context, accountID, paymentID string, amount decimal.Decimal) (ledger.CreditResult, error) {
	key := "payment-" + paymentID
	return s.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		Pool:           ledger.PoolPurchased,
		TxType:         ledger.TxTopUp,
		Description:    "credit purchase",
		IdempotencyKey: key,
		Metadata:       map[string]string{"payment_id": paymentID},
	})
}

// Replenish resets monthly allowance by crediting the allowance pool. The
// cycle tag (e.g. "2026-03") keys idempotency so a rerun of the monthly
// job cannot double-credit.
func (s *Service) Replenish(ctx context.Context, accountID, cycle string, amount decimal.Decimal) (ledger.CreditResult, error) {
	key := fmt.Sprintf("replenish-%s-%s", accountID, cycle)
	return s.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		Pool:           ledger.PoolAllowance,
		TxType:         ledger.TxReplenish,
		Description:    "monthly allowance replenishment",
		IdempotencyKey: key,
		Metadata:       map[string]string{"cycle": cycle},
	})
}

// GrantTrial records a one-time trial grant and credits the allowance
// pool when this caller wins the race. Losing the race is not an error;
// the existing grant comes back in the result.
func (s *Service) GrantTrial(ctx context.Context, rec grant.Record) (grant.Result, error) {
	if s.grants == nil {
		return grant.Result{}, fmt.Errorf("billing: grant store not configured")
	}

	res, err := s.grants.TryGrant(ctx, rec)
	if err != nil {
		return grant.Result{}, err
	}
	if !res.Success {
		return res, nil
	}

	key := "grant-" + rec.AccountID
	credit, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:      rec.AccountID,
		Amount:         rec.Amount,
		Pool:           ledger.PoolAllowance,
		TxType:         ledger.TxTrialGrant,
		Description:    fmt.Sprintf("%s grant", rec.GrantType),
		IdempotencyKey: key,
		Metadata: map[string]string{
			"grant_type":  rec.GrantType,
			"attribution": rec.Attribution,
		},
	})
	if err != nil {
		// The grant record exists but the credit failed. The idempotent
		// key lets an operator re-run the credit safely.
		s.logger.Printf("[ERROR] Grant recorded but credit failed for %s: %v", rec.AccountID, err)
		return res, fmt.Errorf("credit grant: %w", err)
	}
	if !credit.Success {
		s.logger.Printf("[ERROR] Grant recorded but credit rejected for %s: %s", rec.AccountID, credit.Code)
		return res, fmt.Errorf("credit grant rejected: %s", credit.Code)
	}

	return res, nil
}
