package cmd

import (
	"fmt"
	"log"

	"github.com/hearthbot/hearth/hearth"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable HEARTH_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable HEARTH_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := hearth.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database initialized.")
		if cfg.API.AdminPasswordHash == "" {
			fmt.Fprintln(
				out,
				"Admin API credentials are not set. Generate a hash with the "+
					"'hash-password' subcommand and set HEARTH_API_ADMIN_PASSWORD_HASH.",
			)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
