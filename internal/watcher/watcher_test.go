package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatlink-dev/chatlinkd/internal/config"
)

func TestWatcherReloadsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() {
		_ = w.Stop()
	}()

	initial, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	w.SetConfig(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err = os.WriteFile(path, []byte("port: 9100\ndebug: false\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Port != 9100 {
			t.Errorf("reloaded port = %d, want 9100", cfg.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsOldConfigOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() {
		_ = w.Stop()
	}()

	initial, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	w.SetConfig(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err = os.WriteFile(path, []byte("share-base-url: not-a-url\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("broken config must not reach listeners, got %+v", cfg)
	case <-time.After(1 * time.Second):
	}

	if got := w.Config().Port; got != 9000 {
		t.Errorf("active config port = %d, want the original 9000", got)
	}
}
