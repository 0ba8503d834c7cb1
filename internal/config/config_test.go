package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Pipeline.Workers != 8 || cfg.Pipeline.SeenWindow != 4096 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Classifier.MaxContentBytes != 10*1024*1024 {
		t.Errorf("max content bytes = %d", cfg.Classifier.MaxContentBytes)
	}
	if cfg.Polling.Schedule != "@every 1m" {
		t.Errorf("polling schedule = %q", cfg.Polling.Schedule)
	}
	if cfg.Audit.RetentionDays != 365 {
		t.Errorf("retention = %d", cfg.Audit.RetentionDays)
	}
	if cfg.Encryption.Algorithm != "aes-256-gcm" {
		t.Errorf("encryption algorithm = %q", cfg.Encryption.Algorithm)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 5s
pipeline:
  workers: 2
connections:
  google_drive:
    - id: drive-finance
      folder_id: abc123
      folder_path: /Finance
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Errorf("workers = %d", cfg.Pipeline.Workers)
	}
	if len(cfg.Connections.GoogleDrive) != 1 || cfg.Connections.GoogleDrive[0].FolderID != "abc123" {
		t.Errorf("drive connections = %+v", cfg.Connections.GoogleDrive)
	}
	// Unset sections still pick up defaults.
	if cfg.Pipeline.QueueDepth != 256 {
		t.Errorf("queue depth = %d", cfg.Pipeline.QueueDepth)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DLP_DB_PASSWORD", "s3cret")
	path := writeConfig(t, `
database:
  password: ${TEST_DLP_DB_PASSWORD}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("password = %q, env not expanded", cfg.Database.Password)
	}
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "db", Port: 5432, User: "dlp", Password: "pw",
		Database: "dlp", SSLMode: "disable",
	}
	want := "host=db port=5432 user=dlp password=pw dbname=dlp sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
