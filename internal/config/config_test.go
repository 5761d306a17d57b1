package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Auth.Issuer != "tilgang" {
		t.Fatalf("unexpected issuer: %s", cfg.Auth.Issuer)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("http:\n  addr: \":9090\"\n  read_timeout: 5s\npostgres:\n  dsn: \"postgres://file\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TILGANG_PG_DSN", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("file value not applied: %s", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("duration not parsed: %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Postgres.DSN != "postgres://env" {
		t.Fatalf("env override not applied: %s", cfg.Postgres.DSN)
	}
}
