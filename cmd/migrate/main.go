// Command migrate applies or inspects the database schema for whichever
// storage backend the configuration selects.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/spf13/cobra"

	"github.com/sahilghewari/prosbc-core/internal/config"
	"github.com/sahilghewari/prosbc-core/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply and inspect the appliance-automation database schema",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; falls back to PROSBC_* env vars)")

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: runUp},
		&cobra.Command{Use: "down", Short: "Roll back the most recent migration", RunE: runDown},
		&cobra.Command{Use: "status", Short: "Show applied and pending migrations", RunE: runStatus},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openMigrationDB(cfg *config.Config) (*sql.DB, fs.FS, string, string, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		db, err := sql.Open("pgx", cfg.Database.DSN())
		if err != nil {
			return nil, nil, "", "", fmt.Errorf("open postgres: %w", err)
		}
		return db, storage.PostgresMigrations, "migrations/postgres", "postgres", nil
	case config.StorageBackendSQLite:
		db, err := sql.Open("sqlite", cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, "", "", fmt.Errorf("open sqlite: %w", err)
		}
		return db, storage.SQLiteMigrations, "migrations/sqlite", "sqlite3", nil
	default:
		return nil, nil, "", "", fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

func setup() (*sql.DB, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	db, migrationFS, dir, dialect, err := openMigrationDB(cfg)
	if err != nil {
		return nil, "", err
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect(dialect); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("set goose dialect: %w", err)
	}
	return db, dir, nil
}

func runUp(cmd *cobra.Command, args []string) error {
	db, dir, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	slog.Info("migrations applied", "dir", dir)
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	db, dir, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := goose.DownContext(ctx, db, dir); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	slog.Info("rolled back one migration", "dir", dir)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, dir, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := goose.StatusContext(ctx, db, dir); err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	return nil
}
