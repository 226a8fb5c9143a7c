package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage != StorageSQLite {
		t.Errorf("storage: got %q, want sqlite", cfg.Storage)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("reconcile interval: got %s, want 1m", cfg.ReconcileInterval)
	}
	if cfg.IDMaxAttempts != 64 {
		t.Errorf("id max attempts: got %d, want 64", cfg.IDMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPLITLEDGER_STORAGE", "mongo")
	t.Setenv("SPLITLEDGER_MONGO_TIMEOUT", "2s")
	t.Setenv("SPLITLEDGER_RETRY_MAX_TRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage != StorageMongo {
		t.Errorf("storage: got %q, want mongo", cfg.Storage)
	}
	if cfg.MongoTimeout != 2*time.Second {
		t.Errorf("mongo timeout: got %s", cfg.MongoTimeout)
	}
	if cfg.RetryMaxTries != 5 {
		t.Errorf("retry max tries: got %d", cfg.RetryMaxTries)
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SPLITLEDGER_DB_PATH=/tmp/from-dotenv.db\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	// Registered so t.Setenv restores the variable godotenv sets.
	t.Setenv("SPLITLEDGER_DB_PATH", "")
	os.Unsetenv("SPLITLEDGER_DB_PATH")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/tmp/from-dotenv.db" {
		t.Errorf("db path: got %q", cfg.DBPath)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"unknown storage", "SPLITLEDGER_STORAGE", "postgres", "unknown storage"},
		{"bad duration", "SPLITLEDGER_RECONCILE_INTERVAL", "soon", "parse env:"},
		{"zero interval", "SPLITLEDGER_RECONCILE_INTERVAL", "0s", "RECONCILE_INTERVAL"},
		{"zero attempts", "SPLITLEDGER_ID_MAX_ATTEMPTS", "0", "ID_MAX_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}
