package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledgerguard/internal/ledger"
	"ledgerguard/internal/safety"
	"ledgerguard/internal/transfer"
)

const defaultConfigPath = "ledgerguard.yaml"

// AppConfig ties together the file configuration and environment overrides.
type AppConfig struct {
	Service   ServiceConfig   `yaml:"service"`
	Storage   StorageConfig   `yaml:"storage"`
	Vault     VaultConfig     `yaml:"vault"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Safety    SafetyConfig    `yaml:"safety"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type ServiceConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	HMACSecret      string        `yaml:"hmac_secret"`
	HMACClockSkew   time.Duration `yaml:"hmac_clock_skew"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`

	// Idempotency is sql, redis, file or memory. sql shares the driver above.
	Idempotency       string        `yaml:"idempotency"`
	IdempotencyPath   string        `yaml:"idempotency_path"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
}

type VaultConfig struct {
	MasterKey   string `yaml:"master_key"`
	Passphrase  string `yaml:"passphrase"`
	Salt        string `yaml:"salt"`
	Time        uint32 `yaml:"kdf_time"`
	Memory      uint32 `yaml:"kdf_memory"`
	Parallelism uint8  `yaml:"kdf_parallelism"`
}

type LedgerConfig struct {
	// Simulator replaces both networks with in-memory ledgers.
	Simulator     bool          `yaml:"simulator"`
	Target        string        `yaml:"target"`
	Production    string        `yaml:"production"`
	TargetURL     string        `yaml:"target_url"`
	ProductionURL string        `yaml:"production_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

type SafetyConfig struct {
	High         string        `yaml:"high_threshold"`
	Low          string        `yaml:"low_threshold"`
	Suspicious   string        `yaml:"suspicious_threshold"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type TransferConfig struct {
	MinAmount      string        `yaml:"min_amount"`
	MaxAmount      string        `yaml:"max_amount"`
	Fee            string        `yaml:"fee"`
	LedgerWindow   uint32        `yaml:"ledger_window"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReplayWait     time.Duration `yaml:"replay_wait"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// Default returns the configuration used when neither a file nor the environment says otherwise.
func Default() *AppConfig {
	policy := transfer.DefaultPolicy()
	thresholds := safety.DefaultThresholds()
	return &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        3000,
			HMACClockSkew:   60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:            "sqlite",
			Path:              "ledgerguard.db",
			Idempotency:       "sql",
			IdempotencyWindow: 24 * time.Hour,
		},
		Vault: VaultConfig{
			Time:        1,
			Memory:      64 * 1024,
			Parallelism: 4,
		},
		Ledger: LedgerConfig{
			Target:     string(ledger.Testnet),
			Production: string(ledger.Mainnet),
			Timeout:    10 * time.Second,
		},
		Safety: SafetyConfig{
			High:         thresholds.High.String(),
			Low:          thresholds.Low.Decimal.String(),
			Suspicious:   thresholds.Suspicious.String(),
			QueryTimeout: 5 * time.Second,
		},
		Transfer: TransferConfig{
			MinAmount:      policy.MinAmount.String(),
			MaxAmount:      policy.MaxAmount.String(),
			Fee:            policy.Fee.String(),
			LedgerWindow:   policy.LedgerWindow,
			QueryTimeout:   policy.QueryTimeout,
			SubmitTimeout:  policy.SubmitTimeout,
			ConfirmTimeout: policy.ConfirmTimeout,
			PollInterval:   policy.PollInterval,
			ReplayWait:     policy.ReplayWait,
		},
		Reconcile: ReconcileConfig{
			Interval: 30 * time.Second,
			Batch:    100,
		},
	}
}

// Load reads the file named by LEDGERGUARD_CONFIG (or ledgerguard.yaml when present) and
// applies environment overrides.
func Load() (*AppConfig, error) {
	return LoadFile(envOr("LEDGERGUARD_CONFIG", ""))
}

// LoadFile is Load with an explicit path. An empty path falls back to the default file,
// which may be absent; an explicit path must exist.
func LoadFile(path string) (*AppConfig, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("LEDGERGUARD_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("LEDGERGUARD_HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrDuration("LEDGERGUARD_HMAC_CLOCK_SKEW", cfg.Service.HMACClockSkew)

	cfg.Storage.Driver = envOr("LEDGERGUARD_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = envOr("LEDGERGUARD_DATABASE_URL", cfg.Storage.DSN)
	cfg.Storage.Path = envOr("LEDGERGUARD_SQLITE_PATH", cfg.Storage.Path)
	cfg.Storage.Idempotency = envOr("LEDGERGUARD_IDEMPOTENCY_STORE", cfg.Storage.Idempotency)
	cfg.Storage.IdempotencyPath = envOr("LEDGERGUARD_IDEMPOTENCY_PATH", cfg.Storage.IdempotencyPath)
	cfg.Storage.IdempotencyWindow = envOrDuration("LEDGERGUARD_IDEMPOTENCY_WINDOW", cfg.Storage.IdempotencyWindow)
	cfg.Storage.RedisAddr = envOr("LEDGERGUARD_REDIS_ADDR", cfg.Storage.RedisAddr)
	cfg.Storage.RedisPassword = envOr("LEDGERGUARD_REDIS_PASSWORD", cfg.Storage.RedisPassword)
	cfg.Storage.RedisDB = envOrInt("LEDGERGUARD_REDIS_DB", cfg.Storage.RedisDB)

	cfg.Vault.MasterKey = envOr("VAULT_MASTER_KEY", cfg.Vault.MasterKey)
	cfg.Vault.Passphrase = envOr("VAULT_PASSPHRASE", cfg.Vault.Passphrase)
	cfg.Vault.Salt = envOr("VAULT_SALT", cfg.Vault.Salt)

	cfg.Ledger.Simulator = envOrBool("LEDGERGUARD_LEDGER_SIMULATOR", cfg.Ledger.Simulator)
	cfg.Ledger.TargetURL = envOr("LEDGERGUARD_TARGET_RPC_URL", cfg.Ledger.TargetURL)
	cfg.Ledger.ProductionURL = envOr("LEDGERGUARD_PRODUCTION_RPC_URL", cfg.Ledger.ProductionURL)
}

// Validate checks that the configuration can be turned into running components.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536, "service.http_port %d out of range", c.Service.HTTPPort)
	check(c.Service.HMACClockSkew > 0, "service.hmac_clock_skew must be positive")

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		check(c.Storage.Path != "", "storage.path is required for sqlite")
	case "postgres":
		check(c.Storage.DSN != "", "storage.dsn is required for postgres")
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	switch c.Storage.Idempotency {
	case "sql", "memory":
	case "redis":
		check(c.Storage.RedisAddr != "", "storage.redis_addr is required for the redis idempotency store")
	case "file":
		check(c.Storage.IdempotencyPath != "", "storage.idempotency_path is required for the file idempotency store")
	default:
		errs = append(errs, fmt.Errorf("storage.idempotency %q is not one of sql, redis, file, memory", c.Storage.Idempotency))
	}
	check(c.Storage.IdempotencyWindow > 0, "storage.idempotency_window must be positive")

	if c.Vault.MasterKey == "" {
		check(c.Vault.Passphrase != "", "vault.master_key or vault.passphrase is required")
		check(c.Vault.Passphrase == "" || c.Vault.Salt != "", "vault.salt is required with a passphrase")
	}

	check(c.Ledger.Target != "" && c.Ledger.Production != "", "ledger.target and ledger.production are required")
	check(c.Ledger.Target != c.Ledger.Production, "ledger.target and ledger.production must differ")
	if !c.Ledger.Simulator {
		check(c.Ledger.TargetURL != "" && c.Ledger.ProductionURL != "", "ledger rpc urls are required unless ledger.simulator is set")
	}

	if _, err := c.Thresholds(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	check(c.Reconcile.Interval > 0, "reconcile.interval must be positive")
	check(c.Reconcile.Batch > 0, "reconcile.batch must be positive")

	return errors.Join(errs...)
}

// Thresholds parses the safety section. An empty low threshold disables that rule.
func (c *AppConfig) Thresholds() (safety.Thresholds, error) {
	var t safety.Thresholds
	var err error
	if t.High, err = parseDecimal("safety.high_threshold", c.Safety.High); err != nil {
		return t, err
	}
	if t.Suspicious, err = parseDecimal("safety.suspicious_threshold", c.Safety.Suspicious); err != nil {
		return t, err
	}
	if c.Safety.Low != "" {
		low, err := parseDecimal("safety.low_threshold", c.Safety.Low)
		if err != nil {
			return t, err
		}
		t.Low = decimal.NewNullDecimal(low)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("safety: %w", err)
	}
	return t, nil
}

// SafetyConfig builds the validator configuration.
func (c *AppConfig) SafetyConfig() (safety.Config, error) {
	t, err := c.Thresholds()
	if err != nil {
		return safety.Config{}, err
	}
	return safety.Config{
		Thresholds:   t,
		Target:       ledger.Environment(c.Ledger.Target),
		Production:   ledger.Environment(c.Ledger.Production),
		QueryTimeout: c.Safety.QueryTimeout,
	}, nil
}

// Policy parses the transfer section.
func (c *AppConfig) Policy() (transfer.Policy, error) {
	p := transfer.Policy{
		LedgerWindow:   c.Transfer.LedgerWindow,
		QueryTimeout:   c.Transfer.QueryTimeout,
		SubmitTimeout:  c.Transfer.SubmitTimeout,
		ConfirmTimeout: c.Transfer.ConfirmTimeout,
		PollInterval:   c.Transfer.PollInterval,
		ReplayWait:     c.Transfer.ReplayWait,
	}
	var err error
	if p.MinAmount, err = parseDecimal("transfer.min_amount", c.Transfer.MinAmount); err != nil {
		return p, err
	}
	if p.MaxAmount, err = parseDecimal("transfer.max_amount", c.Transfer.MaxAmount); err != nil {
		return p, err
	}
	if p.Fee, err = parseDecimal("transfer.fee", c.Transfer.Fee); err != nil {
		return p, err
	}
	switch {
	case !p.MinAmount.IsPositive() || p.MaxAmount.LessThan(p.MinAmount):
		return p, fmt.Errorf("transfer: need 0 < min_amount <= max_amount")
	case p.Fee.IsNegative():
		return p, fmt.Errorf("transfer: fee must not be negative")
	case p.LedgerWindow == 0:
		return p, fmt.Errorf("transfer: ledger_window must be positive")
	case p.SubmitTimeout <= 0 || p.ConfirmTimeout <= 0 || p.PollInterval <= 0 || p.QueryTimeout <= 0:
		return p, fmt.Errorf("transfer: timeouts and poll_interval must be positive")
	}
	return p, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a decimal", field, s)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
