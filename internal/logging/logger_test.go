package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLoggerWritesFile ensures the file sink receives log lines.
func TestNewProductionLoggerWritesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pagewatch.log")
	logger, err := New(Config{File: path})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	logger.Info("production logger ready")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "production logger ready") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Tail(path, 4)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if got != "6789" {
		t.Fatalf("expected last 4 bytes, got %q", got)
	}

	got, err = Tail(path, 100)
	if err != nil || got != "0123456789" {
		t.Fatalf("expected whole file, got %q err=%v", got, err)
	}

	got, err = Tail(filepath.Join(dir, "missing.log"), 10)
	if err != nil || got != "" {
		t.Fatalf("expected empty tail for missing file, got %q err=%v", got, err)
	}
}
