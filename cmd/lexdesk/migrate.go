package main

import (
	"fmt"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"lexdesk.app/internal/store/pg"
)

// NewMigrateCmd creates the migrate subcommand tree.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long:  `Apply, roll back or inspect the embedded schema migrations.`,
	}
	cmd.AddCommand(
		migrateAction("up", "Apply all pending migrations", func(m *pg.Migrator, cmd *cobra.Command, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(m, cmd)
		}),
		migrateAction("down", "Roll back all migrations", func(m *pg.Migrator, cmd *cobra.Command, _ []string) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
		migrateAction("version", "Print the current schema version", func(m *pg.Migrator, cmd *cobra.Command, _ []string) error {
			return printVersion(m, cmd)
		}),
	)
	force := migrateAction("force VERSION", "Record VERSION as applied without running it, to clear a dirty state",
		func(m *pg.Migrator, cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_ARGUMENT").Errorf("version must be an integer: %q", args[0])
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printVersion(m, cmd)
		})
	force.Args = cobra.ExactArgs(1)
	cmd.AddCommand(force)
	return cmd
}

func migrateAction(use, short string, fn func(*pg.Migrator, *cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dsn := cfg.Storage.Postgres.DSN
			if dsn == "" {
				return oops.Code("CONFIG_INVALID").Errorf("storage.postgres.dsn is required (--pg-dsn or LEXDESK_PG_DSN)")
			}
			m, err := pg.NewMigrator(dsn)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(m, cmd, args)
		},
	}
}

func printVersion(m *pg.Migrator, cmd *cobra.Command) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	cmd.Println(fmt.Sprintf("schema version %d (%s)", v, state))
	return nil
}
