package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"rummi-server/internal/store"
)

// NewMigrateCmd creates the migrate command and its up, down and version
// subcommands.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Println("Migrations applied successfully")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("Migrations rolled back successfully")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			cmd.Printf("version %d", v)
			if dirty {
				cmd.Print(" (dirty)")
			}
			cmd.Println()
			return nil
		}),
	})

	return cmd
}

func withMigrator(run func(cmd *cobra.Command, m *store.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").Errorf("database_url is required to run migrations")
		}

		m, err := store.NewMigrator(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		runErr := run(cmd, m)
		if closeErr := m.Close(); closeErr != nil && runErr == nil {
			return closeErr
		}
		return runErr
	}
}
