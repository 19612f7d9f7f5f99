package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokledger/tokledger/internal/billing"
	"github.com/tokledger/tokledger/internal/config"
	"github.com/tokledger/tokledger/internal/grant"
	grantpostgres "github.com/tokledger/tokledger/internal/grant/postgres"
	grantsqlite "github.com/tokledger/tokledger/internal/grant/sqlite"
	"github.com/tokledger/tokledger/internal/ledger"
	ledgerpostgres "github.com/tokledger/tokledger/internal/ledger/postgres"
	ledgersqlite "github.com/tokledger/tokledger/internal/ledger/sqlite"
	"github.com/tokledger/tokledger/internal/reconcile"
	reconcilepostgres "github.com/tokledger/tokledger/internal/reconcile/postgres"
	reconcilesqlite "github.com/tokledger/tokledger/internal/reconcile/sqlite"
	"github.com/tokledger/tokledger/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "balance":
		err = runBalance(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "credit":
		err = runCredit(os.Args[2:])
	case "grant":
		err = runGrant(os.Args[2:])
	case "pending":
		err = runPending(os.Args[2:])
	case "resolve":
		err = runResolve(os.Args[2:])
	case "version":
		fmt.Println(version.FullInfo())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("ledgerctl %s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`Tokledger CLI

Usage:
  ledgerctl balance --account <id>
  ledgerctl history --account <id> [--limit N]
  ledgerctl credit  --account <id> --amount <decimal> [--pool allowance|purchased] [--key idem-key]
  ledgerctl grant   --account <id> --amount <decimal> [--type trial] [--attribution code] [--days N]
  ledgerctl pending [--limit N]
  ledgerctl resolve --id <record-id> --status resolved|written_off --by <resolver> [--notes text]
  ledgerctl version
`)
}

func loadConfig() (config.LedgerConfig, error) {
	return config.LoadLedgerConfig(".")
}

func openLedger(cfg config.LedgerConfig) (ledger.Store, error) {
	if cfg.Backend == config.BackendPostgres {
		pcfg := ledgerpostgres.DefaultConfig()
		pcfg.MaxOpenConns = cfg.MaxOpenConns
		pcfg.MaxIdleConns = cfg.MaxIdleConns
		return ledgerpostgres.New(cfg.PostgresDSN, pcfg)
	}
	return ledgersqlite.New(cfg.LedgerPath)
}

func openGrants(cfg config.LedgerConfig) (grant.Store, error) {
	if cfg.Backend == config.BackendPostgres {
		return grantpostgres.New(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	return grantsqlite.New(cfg.GrantPath)
}

func openReconcile(cfg config.LedgerConfig) (reconcile.Store, error) {
	if cfg.Backend == config.BackendPostgres {
		return reconcilepostgres.New(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	return reconcilesqlite.New(cfg.ReconcilePath)
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return fmt.Errorf("--account is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bal, err := store.Balance(context.Background(), *account)
	if err != nil {
		return err
	}
	if bal == nil {
		return fmt.Errorf("account %s not found", *account)
	}
	fmt.Printf("account:   %s\n", bal.AccountID)
	fmt.Printf("allowance: %s\n", bal.Allowance)
	fmt.Printf("purchased: %s\n", bal.Purchased)
	fmt.Printf("total:     %s\n", bal.Total())
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	limit := fs.Int("limit", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return fmt.Errorf("--account is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.History(context.Background(), *account, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTYPE\tAMOUNT\tBALANCE AFTER\tTXN")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.TxType, e.Amount, e.BalanceAfter, e.TransactionID)
	}
	return w.Flush()
}

func runCredit(args []string) error {
	fs := flag.NewFlagSet("credit", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	amount := fs.String("amount", "", "amount to credit")
	pool := fs.String("pool", "purchased", "target pool (allowance|purchased)")
	key := fs.String("key", "", "idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *amount == "" {
		return fmt.Errorf("--account and --amount are required")
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", *amount, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Credit(context.Background(), ledger.CreditRequest{
		AccountID:      *account,
		Amount:         amt,
		Pool:           ledger.Pool(*pool),
		TxType:         ledger.TxAdjustment,
		Description:    "manual credit via ledgerctl",
		IdempotencyKey: *key,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("credit rejected: %s", res.Code)
	}
	if res.Replayed {
		fmt.Printf("already applied (txn %s)\n", res.TransactionID)
	} else {
		fmt.Printf("credited %s to %s pool (txn %s)\n", amt, *pool, res.TransactionID)
	}
	fmt.Printf("new balance: %s\n", res.NewBalance)
	return nil
}

func runGrant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	amount := fs.String("amount", "", "grant amount")
	grantType := fs.String("type", grant.TypeTrial, "grant type")
	attribution := fs.String("attribution", "", "source attribution, e.g. partner code")
	days := fs.Int("days", 14, "grant duration in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *amount == "" {
		return fmt.Errorf("--account and --amount are required")
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", *amount, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ls, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ls.Close()
	gs, err := openGrants(cfg)
	if err != nil {
		return err
	}
	defer gs.Close()

	svc, err := billing.NewService(billing.Config{Ledger: ls, Grants: gs})
	if err != nil {
		return err
	}
	res, err := svc.GrantTrial(context.Background(), grant.Record{
		AccountID:    *account,
		GrantType:    *grantType,
		Attribution:  *attribution,
		Amount:       amt,
		DurationDays: *days,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		existing := "unknown"
		if res.Existing != nil {
			existing = res.Existing.GrantedAt.Format(time.RFC3339)
		}
		return fmt.Errorf("already granted (at %s)", existing)
	}
	fmt.Printf("granted %s %s to %s\n", *grantType, amt, *account)
	return nil
}

func runPending(args []string) error {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	limit := fs.Int("limit", 50, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openReconcile(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pending, err := store.ListPending(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending failed deductions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tCOST\tTOKENS\tENDPOINT\tCREATED\tERROR")
	for _, fd := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			fd.ID, fd.AccountID, fd.Cost, fd.TotalTokens, fd.Endpoint,
			fd.CreatedAt.Format(time.RFC3339), fd.ErrorMessage)
	}
	return w.Flush()
}

func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.String("id", "", "failure record id")
	status := fs.String("status", string(reconcile.StatusResolved), "resolution status (resolved|written_off)")
	by := fs.String("by", "", "resolver identity")
	notes := fs.String("notes", "", "resolution notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *by == "" {
		return fmt.Errorf("--id and --by are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openReconcile(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Resolve(context.Background(), *id, reconcile.Status(*status), *by, *notes); err != nil {
		return err
	}
	fmt.Printf("record %s marked %s\n", *id, *status)
	return nil
}
