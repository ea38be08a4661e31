package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ledgerguard/internal/server"
)

// NewServeCommand runs the HTTP API and the background reconciler.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var noReconcile bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, opts, func(ctx context.Context, app *App) error {
				return serve(ctx, app, !noReconcile)
			})
		},
	}

	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "do not run the background reconciler")
	return cmd
}

func serve(ctx context.Context, app *App, reconcile bool) error {
	deps := server.Deps{
		Conversations: app.Conversations,
		History:       app.Submitter,
		Metrics:       app.Metrics,
		Logger:        app.Log,
		LedgerHealth:  app.Network.Ping,
	}
	if app.DB != nil {
		deps.DBHealth = app.DB.Ping
	}
	srv := server.NewServer(app.Config.Service, deps)

	if reconcile {
		go func() {
			if err := app.Reconciler.Run(ctx, app.Config.Reconcile.Interval); err != nil && !errors.Is(err, context.Canceled) {
				app.Log.Error("reconciler stopped", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Service.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Log.Error("shutdown", "err", err)
		return err
	}
	return nil
}
