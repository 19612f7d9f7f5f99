package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/ledger.ini"
)

// Backend selects the storage engine for all stores.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// LedgerConfig describes runtime options for the ledger daemon and CLI.
type LedgerConfig struct {
	Environment string
	Backend     string // sqlite or postgres

	// Postgres connection (used when Backend is postgres)
	PostgresDSN  string
	MaxOpenConns int
	MaxIdleConns int

	// SQLite database locations (used when Backend is sqlite)
	LedgerPath    string
	ReconcilePath string
	GrantPath     string
	UsagePath     string

	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	// Optional YAML usage limits policy
	UsagePolicyPath string

	// Reconciliation recorder tuning
	ReconcileQueueSize    int
	ReconcileWriteTimeout time.Duration

	// Admin HTTP listener
	ListenAddr string
}

// LoadLedgerConfig reads the current environment and loads the appropriate
// ledger config file, applying TOKLEDGER_* env overrides on top.
func LoadLedgerConfig(root string) (LedgerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return LedgerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return LedgerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := LedgerConfig{
		Environment:     s.Environment,
		Backend:         strings.ToLower(firstNonEmpty(os.Getenv("TOKLEDGER_BACKEND"), merged["backend"], BackendSQLite)),
		PostgresDSN:     firstNonEmpty(os.Getenv("TOKLEDGER_POSTGRES_DSN"), merged["postgres_dsn"]),
		MaxOpenConns:    parseOptionalInt(firstNonEmpty(os.Getenv("TOKLEDGER_MAX_OPEN_CONNS"), merged["max_open_conns"]), 25),
		MaxIdleConns:    parseOptionalInt(firstNonEmpty(os.Getenv("TOKLEDGER_MAX_IDLE_CONNS"), merged["max_idle_conns"]), 5),
		LedgerPath:      firstNonEmpty(os.Getenv("TOKLEDGER_LEDGER_PATH"), merged["ledger_path"], DefaultDBPath("ledger.db")),
		ReconcilePath:   firstNonEmpty(os.Getenv("TOKLEDGER_RECONCILE_PATH"), merged["reconcile_path"], DefaultDBPath("reconcile.db")),
		GrantPath:       firstNonEmpty(os.Getenv("TOKLEDGER_GRANT_PATH"), merged["grant_path"], DefaultDBPath("grants.db")),
		UsagePath:       firstNonEmpty(os.Getenv("TOKLEDGER_USAGE_PATH"), merged["usage_path"], DefaultDBPath("usage.db")),
		LogFile:         firstNonEmpty(os.Getenv("TOKLEDGER_LOG_FILE"), merged["log_file"]),
		LogLevel:        firstNonEmpty(merged["log_level"], "info"),
		UsagePolicyPath: firstNonEmpty(os.Getenv("TOKLEDGER_USAGE_POLICY"), merged["usage_policy"]),
		ListenAddr:      firstNonEmpty(os.Getenv("TOKLEDGER_LISTEN_ADDR"), merged["listen_addr"], "127.0.0.1:8091"),
	}

	switch cfg.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		return LedgerConfig{}, fmt.Errorf("invalid backend %q (want sqlite or postgres)", cfg.Backend)
	}
	if cfg.Backend == BackendPostgres && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return LedgerConfig{}, fmt.Errorf("backend is postgres but postgres_dsn is unset")
	}

	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("TOKLEDGER_LOG_FILE_CLI"), os.Getenv("TOKLEDGER_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("TOKLEDGER_LOG_FILE_DAEMON"), os.Getenv("TOKLEDGER_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.ReconcileQueueSize = parseOptionalInt(firstNonEmpty(os.Getenv("TOKLEDGER_RECONCILE_QUEUE_SIZE"), merged["reconcile_queue_size"]), 1024)
	if v := firstNonEmpty(os.Getenv("TOKLEDGER_RECONCILE_WRITE_TIMEOUT"), merged["reconcile_write_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return LedgerConfig{}, fmt.Errorf("invalid reconcile_write_timeout %q: %w", v, err)
		}
		cfg.ReconcileWriteTimeout = dur
	} else {
		cfg.ReconcileWriteTimeout = 5 * time.Second
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultDBPath returns the fallback location for a database file under
// the user's home directory.
func DefaultDBPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".tokledger", name)
}
