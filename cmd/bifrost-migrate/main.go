// Package main applies the Bifrost database migrations and optionally seeds
// the flags table from a definitions file.
//
// Usage:
//
//	bifrost-migrate [-seed flags.yaml]
//
// Connection settings come from the same BIFROST_DB_* variables the server reads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
)

func main() {
	seed := flag.String("seed", "", "definitions file (.json, .yaml) to import into the flags table")
	flag.Parse()

	if err := run(*seed); err != nil {
		fmt.Fprintf(os.Stderr, "bifrost-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(seedPath string) error {
	var app config.AppConfig
	if err := envconfig.Process("BIFROST_APP", &app); err != nil {
		return fmt.Errorf("failed to process app settings: %w", err)
	}
	var db config.DatabaseConfig
	if err := envconfig.Process("BIFROST_DB", &db); err != nil {
		return fmt.Errorf("failed to process database settings: %w", err)
	}
	if err := db.Validate(app.Environment); err != nil {
		return err
	}

	log := logger.New(&app)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &db)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	if seedPath == "" {
		return nil
	}

	src, err := store.NewFileSource(seedPath)
	if err != nil {
		return err
	}
	flags, err := src.Load(ctx)
	if err != nil {
		return err
	}

	pg := store.NewPostgresSource(pool)
	now := time.Now().UTC()
	var imported, skipped int
	for _, f := range flags {
		if err := ruleengine.CompileFlag(f); err != nil {
			return fmt.Errorf("flag %q: %w", f.ID, err)
		}
		if f.Version < 1 {
			f.Version = 1
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = now
		}
		switch err := pg.SaveFlag(ctx, f); {
		case err == nil:
			imported++
		case errors.Is(err, store.ErrStaleVersion):
			// The stored flag is at least as new as the file.
			skipped++
		default:
			return err
		}
	}

	log.Info("flags seeded",
		slog.String("file", seedPath),
		slog.Int("imported", imported),
		slog.Int("skipped", skipped),
	)
	return nil
}
