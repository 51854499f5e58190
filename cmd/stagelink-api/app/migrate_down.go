package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stagelink/stagelink-server/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert database migrations",
	Long: `Revert the database schema by running the down migrations.
WARNING: This operation results in data loss. Use with caution.

Examples:
  # Revert the schema
  stagelink-api migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	_, conn, err := setupMigration(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeDatabaseConnection(ctx, conn)

	ok, err := confirm(cmd, "WARNING: This will drop the links schema and all stored links. Continue?")
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Warn("Reverting database migrations")
	if err := database.MigrateDown(ctx, conn); err != nil {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}

	slog.Info("Migrations reverted successfully")
	return nil
}
