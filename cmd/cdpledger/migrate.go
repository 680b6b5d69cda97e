package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	run := func(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			cfg, logger, done, err := setup()
			if err != nil {
				return err
			}
			defer done()

			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			m := persistence.NewMigrator(db, cfg.Database.MigrationsDir, observability.Component(logger, "migrate"))
			return fn(c.Context(), m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Printf("applied %d migration(s)\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				rolled, err := m.Down(ctx)
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				if !rolled {
					fmt.Println("nothing to roll back")
					return nil
				}
				fmt.Println("rolled back last migration")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: run(func(ctx context.Context, m *persistence.Migrator) error {
				status, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range status {
					mark := "pending"
					if s.Applied {
						mark = "applied"
					}
					fmt.Printf("%-8s %s\n", mark, s.File)
				}
				return nil
			}),
		},
	)
	return cmd
}

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Print the validated protocol parameters in base units",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, done, err := setup()
			if err != nil {
				return err
			}
			defer done()

			params, err := cfg.Protocol.Params()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(params)
		},
	}
}
