// Command seed_import copies flat-file collections into a configured store
// backend, hashing plaintext user passwords on the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/auth"
	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/record"
	"sophiasocial/pkg/store"
)

type importConfig struct {
	SourceDir    string   `yaml:"sourceDir"`
	Entities     []string `yaml:"entities"`
	SkipExisting bool     `yaml:"skipExisting"`
	LogLevel     string   `yaml:"logLevel"`
	Target       struct {
		Backend       string `yaml:"backend"`
		DataDir       string `yaml:"dataDir"`
		MongoURI      string `yaml:"mongoURI"`
		MongoDatabase string `yaml:"mongoDatabase"`
		DatabaseURL   string `yaml:"databaseURL"`
	} `yaml:"target"`
}

type importStats struct {
	Imported int
	Skipped  int
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <import.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	cfg, err := loadConfig(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	logger := util.InitLogger(cfg.LogLevel)
	ctx := context.Background()

	source, err := store.NewFileStore(cfg.SourceDir, logger)
	if err != nil {
		exitErr(fmt.Errorf("open source: %w", err))
	}
	target, err := store.Open(ctx, store.Options{
		Backend:       cfg.Target.Backend,
		DataDir:       cfg.Target.DataDir,
		MongoURI:      cfg.Target.MongoURI,
		MongoDatabase: cfg.Target.MongoDatabase,
		DatabaseURL:   cfg.Target.DatabaseURL,
		Logger:        logger,
	})
	if err != nil {
		exitErr(fmt.Errorf("open target: %w", err))
	}
	defer target.Close(context.Background())

	for _, name := range cfg.Entities {
		stats, err := importCollection(ctx, source.Collection(name), target.Collection(name), cfg.SkipExisting, logger)
		if errors.Is(err, store.ErrCollectionNotFound) {
			logger.Warn("source collection missing", "collection", name)
			continue
		}
		if err != nil {
			exitErr(fmt.Errorf("import %s: %w", name, err))
		}
		logger.Info("collection imported", "collection", name, "imported", stats.Imported, "skipped", stats.Skipped)
	}
}

func loadConfig(path string) (importConfig, error) {
	cfg := importConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.SourceDir) == "" {
		return cfg, errors.New("config: sourceDir is required")
	}
	if strings.TrimSpace(cfg.Target.Backend) == "" {
		return cfg, errors.New("config: target.backend is required")
	}
	if len(cfg.Entities) == 0 {
		for _, e := range domain.Entities() {
			cfg.Entities = append(cfg.Entities, e.String())
		}
	}
	for _, name := range cfg.Entities {
		if _, ok := domain.ParseEntity(name); !ok {
			return cfg, fmt.Errorf("config: unknown entity %q", name)
		}
	}
	return cfg, nil
}

func importCollection(ctx context.Context, src, dst store.Collection, skipExisting bool, logger *slog.Logger) (importStats, error) {
	var stats importStats
	records, err := src.ReadAll(ctx)
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		rec = legacyID(rec)
		if src.Name() == domain.EntityUsers.String() {
			if rec, err = hashLegacyPassword(rec); err != nil {
				return stats, fmt.Errorf("user %s: %w", rec.ID, err)
			}
		}
		if _, err := dst.Create(ctx, rec); err != nil {
			if skipExisting && errors.Is(err, store.ErrDuplicateID) {
				stats.Skipped++
				logger.Debug("record exists", "collection", dst.Name(), "id", rec.ID)
				continue
			}
			return stats, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		stats.Imported++
	}
	return stats, nil
}

// legacyID lifts a document-database style "_id" into the record id.
func legacyID(rec record.Record) record.Record {
	raw, ok := rec.Fields["_id"]
	if !ok {
		return rec
	}
	rec = rec.Without("_id")
	if rec.ID != "" {
		return rec
	}
	switch v := raw.(type) {
	case string:
		rec.ID = v
	case map[string]any:
		if oid, ok := v["$oid"].(string); ok {
			rec.ID = oid
		}
	}
	return rec
}

func hashLegacyPassword(rec record.Record) (record.Record, error) {
	plain, ok := rec.Fields[domain.FieldPassword].(string)
	if !ok {
		return rec, nil
	}
	rec = rec.Without(domain.FieldPassword)
	if _, hashed := rec.Fields[domain.FieldPasswordHash]; hashed {
		return rec, nil
	}
	hash, err := auth.HashPassword(plain)
	if err != nil {
		return rec, err
	}
	rec.Fields[domain.FieldPasswordHash] = hash
	return rec, nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
