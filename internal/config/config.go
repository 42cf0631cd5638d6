// Package config loads service configuration: environment variables for
// wiring (addresses, credentials), an optional YAML file for tunables.
// Environment always wins over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the assembled service configuration.
type Config struct {
	Port          string
	Env           string
	DatabaseURL   string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	RedisAddr     string

	FrontendOrigin         string
	HealthEndpointsEnabled bool

	Tunables Tunables
}

// Tunables are the knobs the YAML file may override.
type Tunables struct {
	OutboxTick          time.Duration `yaml:"-"`
	OutboxTickSeconds   int           `yaml:"outbox_tick_seconds"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts   int           `yaml:"outbox_max_attempts"`
	CleanupIntervalHrs  int           `yaml:"cleanup_interval_hours"`
	OutboxRetentionHrs  int           `yaml:"outbox_retention_hours"`
	HomeFeedDefaultSize int           `yaml:"home_feed_default_size"`
}

func defaultTunables() Tunables {
	return Tunables{
		OutboxTickSeconds:   5,
		OutboxBatchSize:     25,
		OutboxMaxAttempts:   5,
		CleanupIntervalHrs:  12,
		OutboxRetentionHrs:  72,
		HomeFeedDefaultSize: 30,
	}
}

// Load assembles configuration. A .env file is honored when present;
// CONFIG_FILE names an optional YAML tunables file.
func Load() (*Config, error) {
	// Not an error when absent; containers inject env directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getenv("PORT", "8080"),
		Env:                    getenv("APP_ENV", "development"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		Neo4jURI:               getenv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:              getenv("NEO4J_USER", "neo4j"),
		Neo4jPassword:          os.Getenv("NEO4J_PASSWORD"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		FrontendOrigin:         os.Getenv("FRONTEND_ORIGIN"),
		HealthEndpointsEnabled: os.Getenv("HEALTH_ENDPOINTS_ENABLED") == "true",
		Tunables:               defaultTunables(),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadTunables(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	cfg.Tunables.OutboxTick = time.Duration(cfg.Tunables.OutboxTickSeconds) * time.Second

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) loadTunables(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var t Tunables
	if err := yaml.NewDecoder(f).Decode(&t); err != nil {
		return err
	}

	// Only positive values override defaults.
	if t.OutboxTickSeconds > 0 {
		c.Tunables.OutboxTickSeconds = t.OutboxTickSeconds
	}
	if t.OutboxBatchSize > 0 {
		c.Tunables.OutboxBatchSize = t.OutboxBatchSize
	}
	if t.OutboxMaxAttempts > 0 {
		c.Tunables.OutboxMaxAttempts = t.OutboxMaxAttempts
	}
	if t.CleanupIntervalHrs > 0 {
		c.Tunables.CleanupIntervalHrs = t.CleanupIntervalHrs
	}
	if t.OutboxRetentionHrs > 0 {
		c.Tunables.OutboxRetentionHrs = t.OutboxRetentionHrs
	}
	if t.HomeFeedDefaultSize > 0 {
		c.Tunables.HomeFeedDefaultSize = t.HomeFeedDefaultSize
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
