// Command migrate applies or reverts the embedded schema migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "up or down")
	steps := flag.Int("steps", 0, "number of down migrations to revert (0 = all)")
	flag.Parse()

	if err := run(*direction, *steps); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(direction string, steps int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch direction {
	case "up":
		if err := db.RunMigrations(ctx, cfg.Embedding.Dim); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(steps); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown direction %q (want up or down)", direction)
	}

	version, dirty, err := db.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("migration complete",
		zap.String("direction", direction),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}
