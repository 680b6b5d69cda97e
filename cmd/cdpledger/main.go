package main

import (
	"database/sql"
	"fmt"
	"os"

	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "cdpledger",
		Short:         "Collateralized debt ledger: vaults, liquidations, stability pool and redemptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newParamsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the root logger.
func setup() (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, closer := observability.NewLoggerFromConfig(cfg.Logging)
	logger = logger.With().Str("service", cfg.App.Name).Logger()
	return cfg, logger, func() { _ = closer.Close() }, nil
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
