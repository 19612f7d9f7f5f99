// Package httpserver exposes the ledger's administrative REST API.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokledger/tokledger/internal/billing"
	"github.com/tokledger/tokledger/internal/grant"
	"github.com/tokledger/tokledger/internal/ledger"
	"github.com/tokledger/tokledger/internal/reconcile"
	"github.com/tokledger/tokledger/internal/usage"
)

// Server exposes REST endpoints for the ledger daemon.
type Server struct {
	billing   *billing.Service
	ledger    ledger.Store
	reconcile reconcile.Store
	grants    grant.Store
	counters  usage.Store
	policy    *usage.Policy
	logger    *log.Logger
	logLevel  string
}

// Deps collects the stores the server reads and writes. Policy is optional.
type Deps struct {
	Billing   *billing.Service
	Ledger    ledger.Store
	Reconcile reconcile.Store
	Grants    grant.Store
	Counters  usage.Store
	Policy    *usage.Policy
}

// New builds a server over the given stores.
func New(deps Deps) *Server {
	return &Server{
		billing:   deps.Billing,
		ledger:    deps.Ledger,
		reconcile: deps.Reconcile,
		grants:    deps.Grants,
		counters:  deps.Counters,
		policy:    deps.Policy,
		logger:    log.Default(),
	}
}

// SetLogger installs a logger and level for request diagnostics.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
}

func (s *Server) isDebug() bool {
	return s.logLevel == "debug" || s.logLevel == "trace"
}

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("[DEBUG] "+format, args...)
	}
}

// Router returns the chi handler for the admin listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/accounts/{accountID}", func(acct chi.Router) {
			acct.Get("/balance", s.handleBalance)
			acct.Get("/history", s.handleHistory)
			acct.Post("/credit", s.handleCredit)
			acct.Post("/grant", s.handleGrant)
		})
		api.Post("/charge", s.handleCharge)
		api.Route("/reconcile", func(rec chi.Router) {
			rec.Get("/pending", s.handlePending)
			rec.Get("/{id}", s.handleGetFailure)
			rec.Post("/{id}/resolve", s.handleResolve)
		})
		api.Get("/usage/{subjectKey}/{windowKind}", s.handleUsage)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
