package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TINYDIST_SERVER_AUTH_TOKEN", "secret")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "5002" || cfg.Server.StreamBlockSize != 1<<20 {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Storage.Root != "files" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("storage/database defaults = %+v %+v", cfg.Storage, cfg.Database)
	}
	if cfg.Catalog.DefaultListLimit != 5 || cfg.GC.TTL != 24*time.Hour {
		t.Fatalf("catalog/gc defaults = %+v %+v", cfg.Catalog, cfg.GC)
	}
	if cfg.Database.Redis.Enabled() || cfg.Kafka.Enabled() || cfg.MinIO.Enabled() {
		t.Fatal("optional backends should be disabled by default")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8080"
  auth_token: "from-file"
storage:
  root: "/srv/files"
minio:
  endpoint: "localhost:9000"
  link_expiry: 30m
gc:
  interval: 10m
`)
	t.Setenv("TINYDIST_SERVER_AUTH_TOKEN", "from-env")
	t.Setenv("TINYDIST_DATABASE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "8080" || cfg.Storage.Root != "/srv/files" {
		t.Fatalf("file values not loaded: %+v", cfg)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Fatalf("auth token = %q, want env override", cfg.Server.AuthToken)
	}
	if !cfg.Database.Redis.Enabled() || !cfg.MinIO.Enabled() {
		t.Fatal("redis/minio should be enabled")
	}
	if cfg.MinIO.LinkExpiry != 30*time.Minute || cfg.GC.Interval != 10*time.Minute {
		t.Fatalf("durations = %v %v", cfg.MinIO.LinkExpiry, cfg.GC.Interval)
	}
}

func TestLoadRequiresAuthToken(t *testing.T) {
	t.Setenv("TINYDIST_SERVER_AUTH_TOKEN", "")
	if _, err := Load(writeConfig(t, "server:\n  port: \"1\"\n")); err == nil {
		t.Fatal("expected error without auth token")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
