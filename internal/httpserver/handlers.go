package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/billing"
	"github.com/tokledger/tokledger/internal/grant"
	"github.com/tokledger/tokledger/internal/ledger"
	"github.com/tokledger/tokledger/internal/reconcile"
	"github.com/tokledger/tokledger/internal/usage"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	bal, err := s.ledger.Balance(r.Context(), accountID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if bal == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("account %s not found", accountID))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": bal.AccountID,
		"allowance":  bal.Allowance,
		"purchased":  bal.Purchased,
		"total":      bal.Total(),
		"updated_at": bal.UpdatedAt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = parsed
	}

	entries, err := s.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req struct {
		Amount         string            `json:"amount"`
		Pool           string            `json:"pool"`
		TxType         string            `json:"tx_type"`
		Description    string            `json:"description"`
		IdempotencyKey string            `json:"idempotency_key"`
		Metadata       map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q: %w", req.Amount, err))
		return
	}
	txType := req.TxType
	if txType == "" {
		txType = ledger.TxAdjustment
	}

	res, err := s.ledger.Credit(r.Context(), ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		Pool:           ledger.Pool(req.Pool),
		TxType:         txType,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !res.Success {
		s.respondJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID        string `json:"account_id"`
		SubjectKey       string `json:"subject_key"`
		RequestID        string `json:"request_id"`
		Model            string `json:"model"`
		Endpoint         string `json:"endpoint"`
		PromptTokens     int    `json:"prompt_tokens"`
		CompletionTokens int    `json:"completion_tokens"`
		Cost             string `json:"cost"`
		Stream           bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	cost, err := decimal.NewFromString(req.Cost)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid cost %q: %w", req.Cost, err))
		return
	}

	charge := billing.ChargeRequest{
		AccountID:        req.AccountID,
		SubjectKey:       req.SubjectKey,
		RequestID:        req.RequestID,
		Model:            req.Model,
		Endpoint:         req.Endpoint,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		Cost:             cost,
	}

	// The stream path never surfaces failures; they land in the
	// reconciliation queue instead.
	if req.Stream {
		res := s.billing.ChargeStream(r.Context(), charge)
		s.respondJSON(w, http.StatusOK, res)
		return
	}

	res, err := s.billing.Charge(r.Context(), charge)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !res.Success {
		status := http.StatusUnprocessableEntity
		switch res.Code {
		case ledger.CodeInsufficientBalance, ledger.CodeInsufficientAllowance, ledger.CodeInsufficientPurchased:
			status = http.StatusPaymentRequired
		case ledger.CodeAccountNotFound:
			status = http.StatusNotFound
		}
		s.respondJSON(w, status, res)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req struct {
		GrantType    string `json:"grant_type"`
		Variant      string `json:"variant"`
		Attribution  string `json:"attribution"`
		Amount       string `json:"amount"`
		DurationDays int    `json:"duration_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q: %w", req.Amount, err))
		return
	}
	grantType := req.GrantType
	if grantType == "" {
		grantType = grant.TypeTrial
	}

	res, err := s.billing.GrantTrial(r.Context(), grant.Record{
		AccountID:    accountID,
		GrantType:    grantType,
		Variant:      req.Variant,
		Attribution:  req.Attribution,
		Amount:       amount,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !res.Success {
		s.respondJSON(w, http.StatusConflict, res)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = parsed
	}
	pending, err := s.reconcile.ListPending(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	fd, err := s.reconcile.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, fd)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status     string `json:"status"`
		ResolvedBy string `json:"resolved_by"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	err := s.reconcile.Resolve(r.Context(), id, reconcile.Status(req.Status), req.ResolvedBy, req.Notes)
	switch {
	case errors.Is(err, reconcile.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, reconcile.ErrNotPending):
		s.respondError(w, http.StatusConflict, err)
	case err != nil:
		s.respondError(w, http.StatusBadRequest, err)
	default:
		s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	subjectKey := chi.URLParam(r, "subjectKey")
	windowKind := chi.URLParam(r, "windowKind")

	start, err := usage.WindowStart(windowKind, time.Now())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.counters.Get(r.Context(), subjectKey, windowKind, start)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if c == nil {
		c = &usage.Counter{SubjectKey: subjectKey, WindowKind: windowKind, WindowStart: start}
	}

	payload := map[string]any{"counter": c}
	if s.policy != nil {
		limits := s.policy.LimitsFor(subjectKey, windowKind)
		allowed, reason := s.policy.Allow(c, 0, 0)
		payload["limits"] = limits
		payload["allowed"] = allowed
		if reason != "" {
			payload["reason"] = reason
		}
	}
	s.respondJSON(w, http.StatusOK, payload)
}
