package cmd

import (
	"fmt"
	"log/slog"

	"github.com/hearthbot/hearth/hearth"
	"github.com/spf13/cobra"
)

var preserveLevels bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run one-time data migrations",
}

var migrateLevelCurveCmd = &cobra.Command{
	Use:   "level-curve",
	Short: "Re-baseline stored XP against the current level curve",
	Long: "Recomputes every member's level from their XP. With " +
		"--preserve-levels, members keep their level and their XP is set " +
		"to the minimum for that level instead. Runs at most once.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		db, err := hearth.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		logger := slog.Default()
		store := hearth.NewStore(
			hearth.NewDatabase(db, logger, cfg.DatabaseType != hearth.DefaultDatabaseType),
			cfg.DatabaseType,
			logger,
		)
		ran, err := hearth.MigrateLevelCurve(ctx, store, preserveLevels, logger)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !ran {
			fmt.Fprintf(out, "Migration %s was already applied.\n", hearth.MigrationLevelCurveV2)
			return nil
		}
		fmt.Fprintf(out, "Migration %s applied.\n", hearth.MigrationLevelCurveV2)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	migrateLevelCurveCmd.Flags().BoolVar(
		&preserveLevels,
		"preserve-levels",
		false,
		"Keep each member's level, and lower their XP to match it",
	)
	migrateCmd.AddCommand(migrateLevelCurveCmd)
	rootCmd.AddCommand(migrateCmd)
}
