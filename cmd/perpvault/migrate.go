package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"PerpVault/internal/config"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema (PERP_POSTGRES_DSN, PERP_MIGRATIONS_DIR)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd, func(m *persistence.Migrator) error { return m.Up(cmd.Context()) })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd, func(m *persistence.Migrator) error { return m.Down(cmd.Context()) })
			},
		},
	)
	return cmd
}

func migrate(cmd *cobra.Command, run func(*persistence.Migrator) error) error {
	cfg := config.FromEnv()
	if !cfg.UsePostgres() {
		return errors.New("PERP_POSTGRES_DSN is not set")
	}
	logger := observability.NewLogger("migrate")

	db, err := openPostgres(cmd.Context(), cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := run(persistence.NewMigrator(db, cfg.MigrationsDir)); err != nil {
		return errors.Wrapf(err, "migrate %s", cmd.Name())
	}
	logger.Info().Str("direction", cmd.Name()).Str("dir", cfg.MigrationsDir).Msg("migrations done")
	return nil
}
