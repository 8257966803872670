package config

import (
	"errors"
	"os"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	ListenAddr  string
	DataDir     string
	DatabaseURL string
}

// Load reads configuration from environment variables. DATABASE_URL
// selects the shared Postgres backend; otherwise simulations live as
// SQLite files under BANKSIM_DATA_DIR.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		ListenAddr:  os.Getenv("BANKSIM_LISTEN_ADDR"),
		DataDir:     os.Getenv("BANKSIM_DATA_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DataDir == "" && cfg.DatabaseURL == "" {
		cfg.DataDir = "data"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string

	if c.DataDir == "" && c.DatabaseURL == "" {
		missing = append(missing, "BANKSIM_DATA_DIR or DATABASE_URL")
	}
	if c.ListenAddr == "" {
		missing = append(missing, "BANKSIM_LISTEN_ADDR")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}

// UsePostgres reports whether the shared Postgres backend is selected.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}
