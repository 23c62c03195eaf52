package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"sophiasocial/pkg/store"
)

// ConfigPath is the default config location, overridable with SOPHIA_RECONCILER_CONFIG.
var ConfigPath = envOr("SOPHIA_RECONCILER_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel      string `yaml:"logLevel"`
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"dataDir"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	DriftStream   string `yaml:"driftStream"`
	ConsumerGroup string `yaml:"consumerGroup"`
	Concurrency   int    `yaml:"concurrency"`
	MaxRetries    int    `yaml:"maxRetries"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("SOPHIA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SOPHIA_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SOPHIA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.MongoDatabase = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SOPHIA_RECONCILER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if cfg.DriftStream == "" {
		cfg.DriftStream = "sophia:drift"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "reconciler"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set REDIS_ADDR)")
	}
	switch strings.ToLower(cfg.Backend) {
	case store.BackendFile:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return errors.New("config: dataDir is required for the file backend")
		}
	case store.BackendMongo:
		if strings.TrimSpace(cfg.MongoURI) == "" || strings.TrimSpace(cfg.MongoDatabase) == "" {
			return errors.New("config: mongoURI and mongoDatabase are required for the mongo backend")
		}
	case store.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres backend")
		}
	case "":
		return errors.New("config: backend is required (set SOPHIA_BACKEND)")
	default:
		// memory would repair a store nobody else can see
		return fmt.Errorf("config: backend %q cannot be reconciled", cfg.Backend)
	}
	if cfg.Concurrency < 0 || cfg.MaxRetries < 0 {
		return errors.New("config: concurrency and maxRetries must be >= 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
