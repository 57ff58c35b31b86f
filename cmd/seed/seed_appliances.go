// Command seed loads appliance credential rows into the configured
// storage backend from a flat YAML file, for bootstrapping a fresh
// deployment or a local development database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sahilghewari/prosbc-core/internal/config"
	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/storage"
)

var validate = validator.New()

var (
	configPath     string
	appliancesYAML string
)

// applianceSeed mirrors core.Appliance in a form convenient to hand-write
// as YAML.
type applianceSeed struct {
	ID                 string `yaml:"id" validate:"required"`
	BaseURL            string `yaml:"base_url" validate:"required,url"`
	Username           string `yaml:"username" validate:"required"`
	Password           string `yaml:"password" validate:"required"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func main() {
	root := &cobra.Command{
		Use:   "seed",
		Short: "Load appliance credential rows into the configured storage backend",
		RunE:  runSeed,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; falls back to PROSBC_* env vars)")
	root.Flags().StringVar(&appliancesYAML, "appliances", "", "path to a YAML file listing appliances to seed (required)")
	_ = root.MarkFlagRequired("appliances")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	raw, err := os.ReadFile(appliancesYAML)
	if err != nil {
		return fmt.Errorf("read appliances file: %w", err)
	}
	var seeds []applianceSeed
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse appliances file: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("appliances file contains no entries")
	}
	for i, s := range seeds {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("appliance entry %d (%s): %w", i, s.ID, err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := seedAppliances(ctx, cfg, seeds, logger); err != nil {
		return fmt.Errorf("seed appliances: %w", err)
	}

	logger.Info("seed complete", "count", len(seeds))
	return nil
}

func seedAppliances(ctx context.Context, cfg *config.Config, seeds []applianceSeed, logger *slog.Logger) error {
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		return upsertAppliances(ctx, pg.Credentials(), seeds)
	case config.StorageBackendSQLite:
		db, err := storage.NewSQLite(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("connect to sqlite: %w", err)
		}
		defer db.Close()
		return upsertAppliances(ctx, db.Credentials(), seeds)
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// credentialsUpserter is the narrow write surface this command needs; both
// storage.PostgresCredentials and storage.SQLiteCredentials satisfy it
// alongside the read-only credentials.Store methods they also implement.
type credentialsUpserter interface {
	Upsert(ctx context.Context, a core.Appliance) error
}

func upsertAppliances(ctx context.Context, upserter credentialsUpserter, seeds []applianceSeed) error {
	for _, s := range seeds {
		a := core.Appliance{
			ID:                 s.ID,
			BaseURL:            s.BaseURL,
			Username:           s.Username,
			Password:           s.Password,
			InsecureSkipVerify: s.InsecureSkipVerify,
		}
		if err := upserter.Upsert(ctx, a); err != nil {
			return fmt.Errorf("upsert appliance %s: %w", a.ID, err)
		}
	}
	return nil
}
