package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/config"
	zerologadapter "github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription/logger/zerolog"
	"github.com/sdavidov17/holiday-program-aggregator-sub001/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
		zl := newLogger(cfg)

		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.Logger = zerologadapter.NewLogger(zl)
		store, err := postgres.New(cmd.Context(), pgCfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		zl.Info().Msg("Migrations applied")
		return nil
	},
}
