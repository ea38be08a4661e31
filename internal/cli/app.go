package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgerguard/internal/config"
	"ledgerguard/internal/conversation"
	"ledgerguard/internal/idempotency"
	"ledgerguard/internal/ledger"
	"ledgerguard/internal/metrics"
	"ledgerguard/internal/safety"
	"ledgerguard/internal/store"
	"ledgerguard/internal/transfer"
	"ledgerguard/internal/vault"
	"ledgerguard/internal/wallet"
)

// App is the fully wired service.
type App struct {
	Config        *config.AppConfig
	Log           *slog.Logger
	Metrics       *metrics.Registry
	DB            *store.DB // nil with the memory driver
	Network       ledger.Network
	Vault         *vault.Vault
	Validator     *safety.Validator
	Wallets       *wallet.Service
	Idempotency   *idempotency.Ledger
	Submitter     *transfer.Submitter
	Reconciler    *transfer.Reconciler
	Conversations *conversation.Manager

	closers []func() error
}

type backends struct {
	wallets   wallet.Store
	transfers transfer.Store
	keys      vault.KeyStore
	audit     safety.AuditLog
}

// Build wires every component from cfg. Close releases what Build opened.
func Build(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	app := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	be, err := app.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	kek, err := masterKey(cfg.Vault)
	if err != nil {
		return nil, err
	}
	app.Vault, err = vault.Open(ctx, kek, be.keys, vault.WithLogger(log), vault.WithMetrics(app.Metrics))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	if err := app.openLedger(ctx); err != nil {
		return nil, err
	}
	target, err := app.Network.Client(ledger.Environment(cfg.Ledger.Target))
	if err != nil {
		return nil, err
	}

	safetyCfg, err := cfg.SafetyConfig()
	if err != nil {
		return nil, err
	}
	app.Validator, err = safety.NewValidator(safetyCfg, app.Network, be.audit,
		safety.WithLogger(log), safety.WithMetrics(app.Metrics))
	if err != nil {
		return nil, err
	}
	app.Wallets = wallet.NewService(be.wallets, app.Vault, app.Validator, wallet.WithLogger(log))

	idemStore, err := app.openIdempotency(ctx)
	if err != nil {
		return nil, err
	}
	app.Idempotency = idempotency.NewLedger(idemStore, cfg.Storage.IdempotencyWindow, idempotency.WithLogger(log))

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	app.Submitter, err = transfer.NewSubmitter(policy, transfer.Deps{
		Idempotency: app.Idempotency,
		Store:       be.transfers,
		Wallets:     be.wallets,
		Vault:       app.Vault,
		Ledger:      target,
	}, transfer.WithLogger(log), transfer.WithMetrics(app.Metrics))
	if err != nil {
		return nil, err
	}
	app.Reconciler = transfer.NewReconciler(
		transfer.ReconcilerConfig{
			Batch:        cfg.Reconcile.Batch,
			QueryTimeout: policy.QueryTimeout,
			StaleAfter:   policy.SubmitTimeout + policy.ConfirmTimeout + policy.QueryTimeout,
		},
		be.transfers, app.Idempotency, target,
		transfer.WithReconcilerLogger(log), transfer.WithReconcilerMetrics(app.Metrics),
	)
	app.Conversations = conversation.NewManager(app.Submitter,
		conversation.Limits{MinAmount: policy.MinAmount, MaxAmount: policy.MaxAmount},
		conversation.WithLogger(log), conversation.WithMetrics(app.Metrics))

	return app, nil
}

func (a *App) openStorage(ctx context.Context) (backends, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case "memory":
		a.Log.Warn("memory storage: wallets and transfers are lost on exit")
		return backends{
			wallets:   wallet.NewMemoryStore(),
			transfers: transfer.NewMemoryStore(),
			keys:      vault.NewMemoryKeyStore(),
			audit:     safety.NewMemoryAuditLog(),
		}, nil
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return backends{}, err
		}
		a.DB = db
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return backends{}, fmt.Errorf("open postgres: %w", err)
		}
		a.DB = db
	default:
		return backends{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	a.closers = append(a.closers, a.DB.Close)
	a.Log.Info("database ready", "driver", a.DB.Driver())
	return backends{
		wallets:   a.DB.Wallets(),
		transfers: a.DB.Transfers(),
		keys:      a.DB.Keys(),
		audit:     a.DB.Verdicts(),
	}, nil
}

func (a *App) openIdempotency(ctx context.Context) (idempotency.Store, error) {
	cfg := a.Config.Storage
	switch cfg.Idempotency {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "sql":
		if a.DB == nil {
			return idempotency.NewMemoryStore(), nil
		}
		return a.DB.Idempotency(ctx)
	case "file":
		return idempotency.NewFileStore(cfg.IdempotencyPath)
	case "redis":
		rs, err := idempotency.NewRedisStoreFromAddr(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", cfg.Idempotency)
	}
}

func (a *App) openLedger(ctx context.Context) error {
	cfg := a.Config.Ledger
	target, production := ledger.Environment(cfg.Target), ledger.Environment(cfg.Production)
	if cfg.Simulator {
		a.Log.Warn("using simulated ledgers")
		a.Network = ledger.Network{target: ledger.NewSimulator(), production: ledger.NewSimulator()}
		return nil
	}

	a.Network = ledger.Network{}
	for env, url := range map[ledger.Environment]string{target: cfg.TargetURL, production: cfg.ProductionURL} {
		c, err := ledger.NewRPCClient(ctx, ledger.RPCClientConfig{URL: url, Timeout: cfg.Timeout})
		if err != nil {
			return fmt.Errorf("%s ledger: %w", env, err)
		}
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		a.Network[env] = c
	}
	return nil
}

func masterKey(cfg config.VaultConfig) ([]byte, error) {
	if cfg.MasterKey != "" {
		return vault.MasterKeyFromBase64(cfg.MasterKey)
	}
	params := vault.KDFParams{Time: cfg.Time, Memory: cfg.Memory, Parallelism: cfg.Parallelism}
	return vault.MasterKeyFromPassphrase([]byte(cfg.Passphrase), []byte(cfg.Salt), params)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp loads config, builds the app, runs fn and closes the app.
func withApp(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	app, err := Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("error closing resources", "err", err)
		}
	}()
	return fn(ctx, app)
}
