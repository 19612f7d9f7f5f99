package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokledger/tokledger/internal/billing"
	"github.com/tokledger/tokledger/internal/config"
	"github.com/tokledger/tokledger/internal/grant"
	grantpostgres "github.com/tokledger/tokledger/internal/grant/postgres"
	grantsqlite "github.com/tokledger/tokledger/internal/grant/sqlite"
	"github.com/tokledger/tokledger/internal/httpserver"
	"github.com/tokledger/tokledger/internal/ledger"
	ledgerpostgres "github.com/tokledger/tokledger/internal/ledger/postgres"
	ledgersqlite "github.com/tokledger/tokledger/internal/ledger/sqlite"
	"github.com/tokledger/tokledger/internal/logging"
	"github.com/tokledger/tokledger/internal/reconcile"
	reconcilepostgres "github.com/tokledger/tokledger/internal/reconcile/postgres"
	reconcilesqlite "github.com/tokledger/tokledger/internal/reconcile/sqlite"
	"github.com/tokledger/tokledger/internal/usage"
	usagepostgres "github.com/tokledger/tokledger/internal/usage/postgres"
	usagesqlite "github.com/tokledger/tokledger/internal/usage/sqlite"
	"github.com/tokledger/tokledger/internal/version"
)

type stores struct {
	ledger    ledger.Store
	grants    grant.Store
	reconcile reconcile.Store
	counters  usage.Store
}

func (s *stores) Close() {
	for _, c := range []interface{ Close() error }{s.counters, s.reconcile, s.grants, s.ledger} {
		if c != nil {
			_ = c.Close()
		}
	}
}

func openStores(cfg config.LedgerConfig) (*stores, error) {
	if cfg.Backend == config.BackendPostgres {
		ls, err := ledgerpostgres.New(cfg.PostgresDSN, ledgerpostgres.Config{
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		gs, err := grantpostgres.New(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			ls.Close()
			return nil, err
		}
		rs, err := reconcilepostgres.New(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			gs.Close()
			ls.Close()
			return nil, err
		}
		us, err := usagepostgres.New(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			rs.Close()
			gs.Close()
			ls.Close()
			return nil, err
		}
		return &stores{ledger: ls, grants: gs, reconcile: rs, counters: us}, nil
	}

	ls, err := ledgersqlite.New(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	gs, err := grantsqlite.New(cfg.GrantPath)
	if err != nil {
		ls.Close()
		return nil, err
	}
	rs, err := reconcilesqlite.New(cfg.ReconcilePath)
	if err != nil {
		gs.Close()
		ls.Close()
		return nil, err
	}
	us, err := usagesqlite.New(cfg.UsagePath)
	if err != nil {
		rs.Close()
		gs.Close()
		ls.Close()
		return nil, err
	}
	return &stores{ledger: ls, grants: gs, reconcile: rs, counters: us}, nil
}

func main() {
	cfg, err := config.LoadLedgerConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs
	if target := strings.TrimSpace(cfg.LogFileDaemon); target != "" {
		rot, err := logging.NewRotator(target, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[ledgerd] ")
		defer rot.Close()
	}

	log.Printf("tokledger %s starting env=%s", version.FullInfo(), cfg.Environment)

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores (%s backend): %v", cfg.Backend, err)
	}
	defer st.Close()
	log.Printf("stores ready backend=%s", cfg.Backend)

	recorder := reconcile.NewRecorder(st.reconcile, reconcile.RecorderConfig{
		QueueSize:    cfg.ReconcileQueueSize,
		WriteTimeout: cfg.ReconcileWriteTimeout,
		Logger:       log.Default(),
	})
	defer recorder.Close()

	svc, err := billing.NewService(billing.Config{
		Ledger:   st.ledger,
		Grants:   st.grants,
		Counters: st.counters,
		Recorder: recorder,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("init billing service: %v", err)
	}

	var policy *usage.Policy
	if strings.TrimSpace(cfg.UsagePolicyPath) != "" {
		policy, err = usage.LoadPolicy(cfg.UsagePolicyPath)
		if err != nil {
			log.Fatalf("load usage policy: %v", err)
		}
		log.Printf("usage policy loaded from %s", cfg.UsagePolicyPath)
	}

	httpSrv := httpserver.New(httpserver.Deps{
		Billing:   svc,
		Ledger:    st.ledger,
		Reconcile: st.reconcile,
		Grants:    st.grants,
		Counters:  st.counters,
		Policy:    policy,
	})
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[ledgerd/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ledger server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
