package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesSecretsOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haven.toml")
	t.Setenv("DATABASE_URL", "postgres://localhost/haven_test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.JWTSecret) != 64 {
		t.Fatalf("expected a 64-hex generated jwt_secret, got %d chars", len(cfg.JWTSecret))
	}
	if len(cfg.StorageEncryptionKey) != 64 {
		t.Fatalf("expected a 64-hex generated storage key, got %d chars", len(cfg.StorageEncryptionKey))
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the config file written to disk: %v", err)
	}

	// a second load reads the same secrets back instead of regenerating
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.JWTSecret != cfg.JWTSecret {
		t.Fatal("reload should preserve the generated jwt_secret")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haven.toml")
	t.Setenv("DATABASE_URL", "postgres://file-db/haven")

	if _, err := Load(path); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	t.Setenv("JWT_SECRET", "env-secret")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatalf("expected env override to win, got %q", cfg.JWTSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "postgres://localhost/haven")
	cfg, err := Load(filepath.Join(dir, "haven.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxWSConnectionsPerUser != 5 || cfg.WSHeartbeatTimeoutSecs != 45 {
		t.Fatalf("unexpected gateway defaults: %+v", cfg)
	}
	if cfg.StorageBackend != "local" {
		t.Fatalf("default storage backend should be local, got %q", cfg.StorageBackend)
	}
}
