package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfigAndChdir writes yamlContent to config.yaml in a temp dir and makes it the working directory.
func writeConfigAndChdir(t *testing.T, yamlContent string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})

	for _, key := range []string{
		"PGHOST", "PORT", "ENVIRONMENT", "CLASSIFIER_ENABLED", "CLASSIFIER_PROVIDER", "CLASSIFIER_API_KEY",
		"SINK_TYPE", "SINK_DSN", "IMPORT_AUTO_ADVANCE_THRESHOLD", "APPROVAL_TIMEOUT_POLICY",
		"IMPORT_DEFAULT_BATCH_SIZE", "CORS_ALLOWED_ORIGINS", "APPROVAL_SWEEP_INTERVAL_SECONDS",
	} {
		os.Unsetenv(key)
	}
	return configPath
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	writeConfigAndChdir(t, `
port: "3480"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
import:
  default_batch_size: 250
`)

	t.Setenv("PORT", "4480")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("IMPORT_AUTO_ADVANCE_THRESHOLD", "0.85")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4480" {
		t.Errorf("expected Port=4480 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.Database.Host != "db.example.com" && !IsRunningInDocker() {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.Import.DefaultBatchSize != 250 {
		t.Errorf("expected DefaultBatchSize=250 (from yaml), got %d", cfg.Import.DefaultBatchSize)
	}
	if cfg.Import.AutoAdvanceThreshold != 0.85 {
		t.Errorf("expected AutoAdvanceThreshold=0.85 (from env), got %v", cfg.Import.AutoAdvanceThreshold)
	}
}

func TestLoad_Defaults(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
`)

	cfg, err := Load("v")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Import.AutoAdvanceThreshold != 0.70 {
		t.Errorf("expected default threshold 0.70, got %v", cfg.Import.AutoAdvanceThreshold)
	}
	if cfg.Import.CommitWorkers != 4 {
		t.Errorf("expected 4 commit workers, got %d", cfg.Import.CommitWorkers)
	}
	if cfg.Mapping.MinConfidence != 70 {
		t.Errorf("expected min confidence 70, got %v", cfg.Mapping.MinConfidence)
	}
	if cfg.Approval.TimeoutPolicy != TimeoutPolicyEscalate {
		t.Errorf("expected escalate timeout policy, got %s", cfg.Approval.TimeoutPolicy)
	}
	if cfg.Sink.Type != "postgres" {
		t.Errorf("expected postgres sink, got %s", cfg.Sink.Type)
	}
	if cfg.Redis.Host != "" {
		t.Errorf("expected redis disabled by default, got host %q", cfg.Redis.Host)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("unexpected default CORS origins: %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Approval.Criticality("product") != 0.5 {
		t.Errorf("expected default criticality 0.5, got %v", cfg.Approval.Criticality("product"))
	}
}

func TestLoad_EntityCriticalityFromYAML(t *testing.T) {
	writeConfigAndChdir(t, `
approval:
  entity_criticality:
    price_list: 0.9
`)

	cfg, err := Load("v")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := cfg.Approval.Criticality("price_list"); got != 0.9 {
		t.Errorf("expected price_list criticality 0.9, got %v", got)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})

	_, err = Load("test-version")
	if err == nil {
		t.Error("expected error when config.yaml is missing")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "threshold above one",
			env:     map[string]string{"IMPORT_AUTO_ADVANCE_THRESHOLD": "1.5"},
			wantErr: "auto_advance_threshold",
		},
		{
			name:    "unknown provider",
			env:     map[string]string{"CLASSIFIER_PROVIDER": "bard"},
			wantErr: "classifier.provider",
		},
		{
			name:    "classifier enabled without key",
			env:     map[string]string{"CLASSIFIER_ENABLED": "true"},
			wantErr: "CLASSIFIER_API_KEY",
		},
		{
			name:    "unknown timeout policy",
			env:     map[string]string{"APPROVAL_TIMEOUT_POLICY": "ignore"},
			wantErr: "timeout_policy",
		},
		{
			name:    "mongo sink without dsn",
			env:     map[string]string{"SINK_TYPE": "mongo"},
			wantErr: "SINK_DSN",
		},
		{
			name:    "zero sweep interval",
			env:     map[string]string{"APPROVAL_SWEEP_INTERVAL_SECONDS": "0"},
			wantErr: "sweep_interval_seconds",
		},
		{
			name:    "negative sweep interval",
			env:     map[string]string{"APPROVAL_SWEEP_INTERVAL_SECONDS": "-30"},
			wantErr: "sweep_interval_seconds",
		},
		{
			name:    "batch size above max",
			env:     map[string]string{"IMPORT_DEFAULT_BATCH_SIZE": "100000"},
			wantErr: "default_batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfigAndChdir(t, "env: test\n")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("v")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFrom_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	if err := os.WriteFile(path, []byte("sink:\n  table: products\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	os.Unsetenv("SINK_TABLE")

	cfg, err := LoadFrom(path, "v")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if cfg.Sink.Table != "products" {
		t.Errorf("expected sink table products, got %s", cfg.Sink.Table)
	}
}

func TestDatabaseConfig_URL(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	if got := c.URL(); got != "postgres://u:p@h:5433/d?sslmode=disable" {
		t.Errorf("unexpected URL %s", got)
	}
}

func TestDatabaseConfig_URL_EscapesCredentials(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
	}{
		{"at sign", "ekaya", "p@ss"},
		{"slash and colon", "ekaya", "a/b:c"},
		{"hash and question mark", "ekaya", "x#y?z"},
		{"user with colon", "svc:import", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DatabaseConfig{Host: "db.internal", Port: 5432, User: tt.user, Password: tt.password, Database: "ekaya_import", SSLMode: "require"}

			parsed, err := url.Parse(c.URL())
			if err != nil {
				t.Fatalf("URL() produced an unparseable DSN: %v", err)
			}
			if got := parsed.User.Username(); got != tt.user {
				t.Errorf("expected user %q, got %q", tt.user, got)
			}
			if got, _ := parsed.User.Password(); got != tt.password {
				t.Errorf("expected password %q, got %q", tt.password, got)
			}
			if parsed.Host != "db.internal:5432" {
				t.Errorf("expected host db.internal:5432, got %s", parsed.Host)
			}
			if parsed.Path != "/ekaya_import" {
				t.Errorf("expected path /ekaya_import, got %s", parsed.Path)
			}
			if got := parsed.Query().Get("sslmode"); got != "require" {
				t.Errorf("expected sslmode=require, got %s", got)
			}
		})
	}
}
