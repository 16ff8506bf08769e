package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/server"
)

func newReconcileCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Capture items stuck in pending, then exit",
		Long: `Finds items that have been pending longer than scheduler.stale_after_seconds,
captures them with the configured browser pool and exits once every one of
them has reached a terminal status or the timeout elapses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			app, err := server.Build(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			n, drainErr := app.Drain(ctx, 0)
			closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelClose()
			closeErr := app.Close(closeCtx)
			if drainErr != nil {
				return fmt.Errorf("drain: %w", drainErr)
			}
			rt.logger.Info("reconcile finished", zap.Int("items", n))
			return closeErr
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long; 0 waits indefinitely")
	return cmd
}
