package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsWriteToConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("broker: {}\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("broker: {host: x}\n"), 0o644); err != nil {
		t.Fatalf("rewrite config.yaml: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatalf("events channel closed before delivering a write event")
		}
		if ev.Path != path {
			t.Fatalf("expected event path %q, got %q", path, ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a config-change event")
	}
}
