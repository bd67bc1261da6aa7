// migrate applies the embedded schema migrations to PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Connection string override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("migrate")

	target := *dsn
	if target == "" {
		target = cfg.Database.GetDSN()
	}

	migrator, err := store.NewMigrator(target)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open migration connection")
	}
	defer func() { _ = migrator.Close() }()

	if err := migrator.Migrate(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}
}
