package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewHistoryCommand lists a user's transfers, newest first.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a user's transfer history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > 100 {
				return fmt.Errorf("--limit must be between 1 and 100")
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, app *App) error {
				recs, err := app.Submitter.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CREATED\tSTATUS\tAMOUNT\tRECIPIENT\tTX HASH")
				for _, rec := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						rec.CreatedAt.Format(time.RFC3339), rec.Status, rec.Amount, rec.Recipient, rec.TxHash)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of transfers (1-100)")
	return cmd
}
