package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "webssh.log")
	Init(path)
	t.Cleanup(func() { Close() })

	log.Printf("[test] hello from logging test")

	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[test] hello from logging test") {
		t.Errorf("log file missing message, got: %q", string(data))
	}
}

func TestClose_WithoutInit(t *testing.T) {
	if err := Close(); err != nil {
		t.Errorf("Close without Init: %v", err)
	}
}
