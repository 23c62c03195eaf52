package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sophiasocial/pkg/store"
)

// ConfigPath is the default config location, overridable with SOPHIA_CONFIG.
var ConfigPath = envOr("SOPHIA_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string   `yaml:"port"`
	LogLevel                string   `yaml:"logLevel"`
	Backend                 string   `yaml:"backend"`
	DataDir                 string   `yaml:"dataDir"`
	MongoURI                string   `yaml:"mongoURI"`
	MongoDatabase           string   `yaml:"mongoDatabase"`
	DatabaseURL             string   `yaml:"databaseURL"`
	RedisAddr               string   `yaml:"redisAddr"`
	RedisPassword           string   `yaml:"redisPassword"`
	JWTSecret               string   `yaml:"jwtSecret"`
	JWTIssuer               string   `yaml:"jwtIssuer"`
	JWTAudience             string   `yaml:"jwtAudience"`
	SessionTTL              string   `yaml:"sessionTTL"`
	LoginRateLimitPerMinute int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxyCIDRs       []string `yaml:"trustedProxyCIDRs"`
	DriftQueueEnabled       bool     `yaml:"driftQueueEnabled"`
	DriftStream             string   `yaml:"driftStream"`
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
	if v := os.Getenv("SOPHIA_PORT"); v != "" {
		cfg.Port = v
	}
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
	if v := os.Getenv("SOPHIA_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SOPHIA_SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("SOPHIA_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SOPHIA_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("SOPHIA_DRIFT_QUEUE_ENABLED"); v != "" {
		cfg.DriftQueueEnabled = v == "true" || v == "1"
	}
	if cfg.Backend == "" {
		cfg.Backend = store.BackendFile
	}
	if cfg.Backend == store.BackendFile && cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.DriftStream == "" {
		cfg.DriftStream = "sophia:drift"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch strings.ToLower(cfg.Backend) {
	case store.BackendFile:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return errors.New("config: dataDir is required for the file backend")
		}
	case store.BackendMemory:
	case store.BackendMongo:
		if strings.TrimSpace(cfg.MongoURI) == "" || strings.TrimSpace(cfg.MongoDatabase) == "" {
			return errors.New("config: mongoURI and mongoDatabase are required for the mongo backend")
		}
	case store.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret of at least 32 bytes is required (set SOPHIA_JWT_SECRET)")
	}
	if cfg.DriftQueueEnabled && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when driftQueueEnabled is set")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	return dur, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
