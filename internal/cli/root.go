package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"ledgerguard/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	LogFormat  string // "text" | "json"
}

// ValidLogFormats defines the allowed --log-format values.
var ValidLogFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgerguard CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerguard",
		Short: "ledgerguard - custodial wallet and payment service",
		Long: `ledgerguard keeps custodial wallet secrets under envelope encryption, screens imported
wallets against production balances, and submits payments exactly once per idempotency key.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), opts))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default $LEDGERGUARD_CONFIG or ./ledgerguard.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewRotateKeyCommand(opts))
	cmd.AddCommand(NewReencryptCommand(opts))
	cmd.AddCommand(NewPurgeIdempotencyCommand(opts))
	cmd.AddCommand(NewWalletCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func newLogger(w io.Writer, opts *RootOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func loadConfig(opts *RootOptions) (*config.AppConfig, error) {
	if opts.ConfigPath == "" {
		return config.Load()
	}
	return config.LoadFile(opts.ConfigPath)
}
