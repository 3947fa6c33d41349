package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"resgov/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resgovd.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9090
logging:
  level: debug
sampler:
  window_size: 20
caches:
  predictions:
    max_size: 500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", config.Server.Port)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %q", config.Logging.Level)
	}
	if config.Sampler.WindowSize != 20 {
		t.Errorf("Expected window size 20, got %d", config.Sampler.WindowSize)
	}
	if config.Sampler.Interval != 5*time.Second {
		t.Errorf("Expected default sampler interval preserved, got %v", config.Sampler.Interval)
	}
	if config.Caches.Predictions.MaxSize != 500 {
		t.Errorf("Expected predictions max_size 500, got %d", config.Caches.Predictions.MaxSize)
	}
	// Untouched sections keep defaults
	if config.Scheduler.MaxConcurrentTasks != Default().Scheduler.MaxConcurrentTasks {
		t.Error("Expected scheduler defaults preserved")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Server.Port != Default().Server.Port {
		t.Error("Expected default server port")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for negative port")
	}
	if !errors.IsErrorCode(err, errors.ErrorCodeConfigInvalid) {
		t.Errorf("Expected config invalid error code, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/resgovd.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}
