package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"

device:
  type: "memory"
  memory:
    size: "32MiB"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Device.Memory["size"] != "32MiB" {
		t.Errorf("Expected memory size '32MiB', got %v", cfg.Device.Memory["size"])
	}
	if cfg.Format.KeyLength != 12 {
		t.Errorf("Expected default key length 12, got %d", cfg.Format.KeyLength)
	}
	if cfg.Mount.IndexOverflow != "degrade" {
		t.Errorf("Expected default overflow policy 'degrade', got %q", cfg.Mount.IndexOverflow)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// An explicit missing path keeps the user's own config out of the test.
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Device.Type != "file" {
		t.Errorf("Expected default device type 'file', got %q", cfg.Device.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"

[format]
key_length = 8
bucket_capacity = 4

[mount]
index_overflow = "reject"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Format.KeyLength != 8 || cfg.Format.BucketCapacity != 4 {
		t.Errorf("Expected k=8 capacity=4, got k=%d capacity=%d", cfg.Format.KeyLength, cfg.Format.BucketCapacity)
	}
	if cfg.Mount.IndexOverflow != "reject" {
		t.Errorf("Expected overflow policy 'reject', got %q", cfg.Mount.IndexOverflow)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
format:
  key_length: 300
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for key_length 300")
	}
	if !strings.Contains(err.Error(), "KeyLength") {
		t.Errorf("Expected error to name KeyLength, got: %v", err)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("SHFS_LOGGING_LEVEL", "ERROR")
	t.Setenv("SHFS_MOUNT_SCRUB_ON_MOUNT", "true")
	t.Setenv("SHFS_FORMAT_PIECE_COUNT", "64")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected env override 'ERROR', got %q", cfg.Logging.Level)
	}
	if !cfg.Mount.ScrubOnMount {
		t.Error("Expected env override scrub_on_mount=true")
	}
	if cfg.Format.PieceCount != 64 {
		t.Errorf("Expected env override piece_count=64, got %d", cfg.Format.PieceCount)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	dotEnv := "SHFS_FORMAT_NAME=from-dotenv\nSHFS_METRICS_PORT=9100\nUNRELATED=ignored\n"
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(dotEnv), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}

	// Process environment wins over .env.
	t.Setenv("SHFS_METRICS_PORT", "9200")
	// Registered so t cleans up the variable loadDotEnv exports.
	t.Setenv("SHFS_FORMAT_NAME", "")
	if err := os.Unsetenv("SHFS_FORMAT_NAME"); err != nil {
		t.Fatalf("Failed to unset: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Format.Name != "from-dotenv" {
		t.Errorf("Expected name from .env, got %q", cfg.Format.Name)
	}
	if cfg.Metrics.Port != 9200 {
		t.Errorf("Expected process env port 9200, got %d", cfg.Metrics.Port)
	}
	if _, set := os.LookupEnv("UNRELATED"); set {
		t.Error("Expected non-SHFS variables to stay unexported")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	if got := GetDefaultConfigPath(); got != "/tmp/xdg/shfs/config.yaml" {
		t.Errorf("Expected XDG-based path, got %q", got)
	}
	if got := GetConfigDir(); got != "/tmp/xdg/shfs" {
		t.Errorf("Expected XDG config dir, got %q", got)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in a fresh directory")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}
