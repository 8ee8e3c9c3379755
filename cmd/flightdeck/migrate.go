package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/flightdeck-ai/flightdeck/internal/config"
	"github.com/flightdeck-ai/flightdeck/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.NewMigrator(db).Migrate(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Migrations applied")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := database.NewMigrator(db).GetAppliedMigrations(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			cmd.Println("No migrations applied")
			return nil
		}
		for _, m := range applied {
			cmd.Printf("%3d  %-24s  %s\n", m.Version, m.Name, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down <target-version>",
	Short: "Roll back to a schema version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid target version %q", args[0])
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.NewMigrator(db).Rollback(cmd.Context(), target); err != nil {
			return err
		}
		cmd.Printf("Rolled back to version %d\n", target)
		return nil
	},
}

func openDatabase() (*database.DB, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return database.Open(cfg.Database.Path)
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}
