package cmd

import (
	"fmt"
	"github.com/hlord2000/discordbot/discordbot"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and migrate its tables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := discordbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database ready (%s): %s\n", cfg.DatabaseType, cfg.Database)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
