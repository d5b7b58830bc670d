package main

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	migrations "github.com/PaulFidika/iapkit/migrations/postgres"
)

func runMigrateCommand(cfg *config) *cobra.Command {
	var withRiver, rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := cfg.v.GetString("database-url")
			if dsn == "" {
				return errors.New("--database-url is required")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return err
			}
			defer pool.Close()

			runner, err := migrations.NewRunner(ctx, pool, cfg.v.GetString("schema"))
			if err != nil {
				return err
			}
			defer runner.Close()

			if rollback {
				names, err := runner.Rollback(ctx)
				if err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				cmd.Printf("Rolled back %d migration(s)\n", len(names))
				for _, name := range names {
					cmd.Printf("  - %s\n", name)
				}
				return nil
			}

			applied, err := runner.Migrate(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Applied %d migration(s)\n", len(applied))
			for _, name := range applied {
				cmd.Printf("  - %s\n", name)
			}

			if withRiver {
				migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
				if err != nil {
					return err
				}
				res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
				if err != nil {
					return fmt.Errorf("river migrations: %w", err)
				}
				cmd.Printf("River: %d migration(s)\n", len(res.Versions))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Revert the last applied migration group instead")
	cmd.Flags().BoolVar(&withRiver, "river-migrations", true, "Also apply River job queue migrations")
	return cmd
}
