package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/readlater-archiver/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archive API and capture scheduler",
		Long: `Starts the HTTP API, the capture scheduler and its browser pool.
Items left pending by a previous process are re-enqueued on startup unless
scheduler.reconcile_on_start is false.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
