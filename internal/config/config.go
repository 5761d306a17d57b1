package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries service configuration. Values are read from an optional YAML
// file and overridden by environment variables so container deployments can
// stay file-free.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RateBurst       int           `yaml:"rate_burst"`
		RatePerSecond   int           `yaml:"rate_per_second"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Auth struct {
		Secret string `yaml:"secret"`
		Issuer string `yaml:"issuer"`
	} `yaml:"auth"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 15 * time.Second
	cfg.HTTP.IdleTimeout = 60 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.RateBurst = 50
	cfg.HTTP.RatePerSecond = 25
	cfg.HTTP.MaxBodyBytes = 1 << 20
	cfg.Auth.Issuer = "tilgang"
	return cfg
}

// Load reads the YAML file at path (when non-empty) and applies environment
// overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TILGANG_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("TILGANG_PG_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("TILGANG_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("TILGANG_AUTH_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
	if v := os.Getenv("TILGANG_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HTTP.RatePerSecond = n
		}
	}
	if v := os.Getenv("TILGANG_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HTTP.RateBurst = n
		}
	}
}
