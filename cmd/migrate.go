package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/clock/system"
	"github.com/JakeFAU/readlater-archiver/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the item store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := server.OpenItemStore(cmd.Context(), rt.cfg.Database, system.New(), rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("item store close failed", zap.Error(cerr))
				}
			}()

			applied, err := server.Migrate(cmd.Context(), store)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if !applied {
				rt.logger.Info("backend has no schema", zap.String("backend", rt.cfg.Database.Backend))
				return nil
			}
			rt.logger.Info("schema up to date", zap.String("backend", rt.cfg.Database.Backend), zap.String("table", rt.cfg.Database.Table))
			return nil
		},
	}
}
