package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewReconcileCommand runs one reconciliation pass over flagged transactions.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve transactions whose outcome is unknown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				rep, err := app.Reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d confirmed=%d failed=%d pending=%d\n",
					rep.Checked, rep.Confirmed, rep.Failed, rep.Pending)
				return nil
			})
		},
	}
}

// NewRotateKeyCommand adds a new data key version. Existing blobs stay readable.
func NewRotateKeyCommand(opts *RootOptions) *cobra.Command {
	var reencrypt bool

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Create a new active vault key version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				version, err := app.Vault.RotateKey(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active key version %d\n", version)
				if !reencrypt {
					return nil
				}
				return reencryptWallets(ctx, cmd, app)
			})
		},
	}

	cmd.Flags().BoolVar(&reencrypt, "reencrypt", false, "move every wallet to the new key")
	return cmd
}

// NewReencryptCommand moves every wallet secret to the active key version.
func NewReencryptCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt wallet secrets under the active key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				return reencryptWallets(ctx, cmd, app)
			})
		},
	}
}

func reencryptWallets(ctx context.Context, cmd *cobra.Command, app *App) error {
	n, err := app.Wallets.ReencryptAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "re-encrypted %d wallets to version %d\n", n, app.Vault.ActiveVersion())
	return nil
}

// NewPurgeIdempotencyCommand drops terminal idempotency records past the retention window.
func NewPurgeIdempotencyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Remove expired idempotency records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				n, err := app.Idempotency.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
				return nil
			})
		},
	}
}
