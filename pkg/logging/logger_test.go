package logging

import (
	"os"
	"strings"
	"testing"
)

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "storage")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Infof("chunk persisted seq=%d", 7)
	logger.Warnf("degraded: %s", "screenshot")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "[storage] [INFO] chunk persisted seq=7") {
		t.Errorf("Expected info entry in log, got:\n%s", content)
	}
	if !strings.Contains(content, "[storage] [WARN] degraded: screenshot") {
		t.Errorf("Expected warn entry in log, got:\n%s", content)
	}
}

func TestComponentsShareRunID(t *testing.T) {
	dir := t.TempDir()

	a, err := NewLogger(dir, "storage")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer a.Close()

	b, err := NewLogger(dir, "index")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer b.Close()

	if a.RunID() != b.RunID() {
		t.Errorf("Expected shared run ID, got %s and %s", a.RunID(), b.RunID())
	}
	if a.LogPath() != b.LogPath() {
		t.Errorf("Expected shared log file, got %s and %s", a.LogPath(), b.LogPath())
	}
}

func TestDiscardLoggerDoesNotPanic(t *testing.T) {
	logger := Discard("test")
	logger.Debugf("ignored %d", 1)
	logger.Errorf("ignored %s", "too")

	if logger.LogPath() != "" {
		t.Errorf("Discard logger should have no log path, got %s", logger.LogPath())
	}
}
