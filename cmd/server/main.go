/*
main.go - Application entry point

PURPOSE:
  Command line for the copay settlement engine. Loads configuration,
  opens the store and runs one of the subcommands below.

COMMANDS:
  serve     Run the HTTP API, processor simulator and pending sweeper
  migrate   Apply the database schema and exit
  seed      Load a demo scenario into the database

GLOBAL FLAGS (override environment):
  --db-driver   sqlite3 or postgres (DB_DRIVER)
  --db          Data source name (DB_DSN). ":memory:" for SQLite in memory

EXAMPLES:
  # Serve with a file database
  copay-engine serve --db ./data/copay.db

  # Seed demo data, then serve it
  copay-engine seed --scenario multi-visit
  copay-engine serve --port 3000

  # Postgres
  DB_DRIVER=postgres DB_DSN=postgres://copay@localhost/copay copay-engine migrate

ENVIRONMENT:
  See config/config.go for every key. A .env file is read when present.

SEE ALSO:
  - serve.go: Dependency wiring and graceful shutdown
  - config/config.go: Settings
  - api/scenarios.go: Demo datasets
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/copay-engine/api"
	"github.com/warp/copay-engine/config"
	"github.com/warp/copay-engine/store/sqlstore"
	"github.com/warp/copay-engine/telemetry"
)

var Version = "dev"

var (
	dbDriver string
	dbDSN    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "copay-engine",
		Short:         "Copay payment allocation and settlement engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "database driver: sqlite3 or postgres")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "database DSN")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbDriver != "" {
		cfg.DB.Driver = dbDriver
	}
	if dbDSN != "" {
		cfg.DB.DSN = dbDSN
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sqlstore.Store, error) {
	dialect, err := sqlstore.ParseDialect(cfg.DB.Driver)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.New(dialect, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(cfg.App.LogLevel, cfg.App.Env)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("schema applied", zap.String("driver", string(store.Dialect())))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var scenarioID string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo scenario",
		Long: `Load a demo scenario into the database. Reloading resets the
scenario's copays to their seeded balances.

Scenarios:
  single-visit, multi-visit, household`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(cfg.App.LogLevel, cfg.App.Env)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := api.LoadScenario(cmd.Context(), store, scenarioID); err != nil {
				return err
			}
			logger.Info("scenario loaded", zap.String("scenario", scenarioID))
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioID, "scenario", "multi-visit", "scenario id")
	return cmd
}
