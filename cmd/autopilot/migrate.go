package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/observability"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(a.cfg.DatabaseURL, logger.Warn)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close(db) }()

			if err := database.AutoMigrate(db); err != nil {
				return err
			}
			observability.GetLogger().Info("Schema is up to date", zap.Int("tables", len(database.AllModels())))
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
