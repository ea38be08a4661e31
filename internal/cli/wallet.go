package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ledgerguard/internal/vault"
)

// NewWalletCommand groups custodial wallet operations.
func NewWalletCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage custodial wallets",
	}
	cmd.AddCommand(newWalletCreateCommand(opts))
	cmd.AddCommand(newWalletImportCommand(opts))
	cmd.AddCommand(newWalletShowCommand(opts))
	return cmd
}

func newWalletCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <user-id>",
		Short: "Generate a new wallet for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				rec, err := app.Wallets.Create(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.UserID, rec.Address)
				return nil
			})
		},
	}
}

func newWalletImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <user-id>",
		Short: "Import an existing secret read from stdin",
		Long: `Reads a seed or hex private key from the first line of stdin, checks the account's
balances on both networks and stores the secret unless the import is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			secret := vault.NewSecret(raw)
			defer secret.Wipe()
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				rec, verdict, err := app.Wallets.Import(ctx, args[0], secret)
				if err != nil {
					if verdict.Blocks() {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", verdict.Decision, verdict.Address, verdict.Message())
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", rec.UserID, rec.Address, verdict.Decision, verdict.Message())
				return nil
			})
		},
	}
}

func newWalletShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's wallet address and key version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				rec, err := app.Wallets.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s key_version=%d\n", rec.UserID, rec.Address, rec.Secret.KeyVersion)
				return nil
			})
		},
	}
}

func readSecret(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.New("no secret on stdin")
	}
	return []byte(line), nil
}
