package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RABBIT_HOSTNAME", "RABBIT_USERNAME", "RABBIT_PASSWORD",
		"UB_CONFIG_FILE", "UB_REQUEST_TIMEOUT", "UB_SOCKET_TIMEOUT",
		"UB_MAX_BULK_WRITE", "UB_MAX_QUEUE_DEPTH", "UB_FLUSH_INTERVAL",
		"UB_FUZZER_MODE", "UB_LOG_DIR", "UB_STORAGE_BACKEND",
		"UB_POSTGRES_DSN", "UB_SQLITE_DIR",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_MissingRequiredVars(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars")
	}
	var missing *MissingEnvironmentVariables
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingEnvironmentVariables, got %T", err)
	}
	if len(missing.Names) != 3 {
		t.Fatalf("expected 3 missing names, got %v", missing.Names)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RABBIT_HOSTNAME", "broker.local")
	t.Setenv("RABBIT_USERNAME", "guest")
	t.Setenv("RABBIT_PASSWORD", "guest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("expected default request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Fatalf("expected default storage backend sqlite, got %q", cfg.Storage.Backend)
	}
	if cfg.Broker.URL() != "ws://broker.local:5672/" {
		t.Fatalf("unexpected broker URL: %q", cfg.Broker.URL())
	}
}

func TestLoad_EnvOverridesWinOverOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("RABBIT_HOSTNAME", "broker.local")
	t.Setenv("RABBIT_USERNAME", "guest")
	t.Setenv("RABBIT_PASSWORD", "guest")

	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "overlay.yaml")
	if err := os.WriteFile(overlayPath, []byte("max_bulk_write: 50\nrequest_timeout: \"5s\"\n"), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("UB_CONFIG_FILE", overlayPath)
	t.Setenv("UB_MAX_BULK_WRITE", "200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxBulkWrite != 200 {
		t.Fatalf("expected env override 200, got %d", cfg.MaxBulkWrite)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("expected overlay value 5s, got %v", cfg.RequestTimeout)
	}
}
