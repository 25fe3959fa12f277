// Package watcher watches the configuration file and triggers hot reloads.
// It supports cross-platform fsnotify event handling, including the
// rename-based atomic replace editors and orchestrators do.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/chatlink-dev/chatlinkd/internal/config"
	"github.com/chatlink-dev/chatlinkd/internal/util"
)

const (
	// replaceCheckDelay is a short delay to allow atomic replace (rename)
	// to settle before deciding whether a Remove event indicates a real
	// deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)

	mu                sync.RWMutex
	config            *config.Config
	lastConfigHash    string
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer

	watcher *fsnotify.Watcher
}

// NewWatcher creates a new file watcher. reloadCallback receives a clone of
// the freshly loaded configuration after each successful reload.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
	}, nil
}

// SetConfig records the currently active configuration and its file hash so
// no-op write events skip the reload.
func (w *Watcher) SetConfig(cfg *config.Config) {
	hash := ""
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		sum := sha256.Sum256(data)
		hash = hex.EncodeToString(sum[:])
	}
	w.mu.Lock()
	w.config = cfg
	w.lastConfigHash = hash
	w.mu.Unlock()
}

// Start begins watching. The watch is placed on the config file's directory
// because editors replace the file by rename, which drops a watch placed on
// the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	log.Debugf("watching %s for configuration changes", dir)

	go w.loop(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	normalizedConfigPath := filepath.Clean(w.configPath)
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != normalizedConfigPath {
				continue
			}
			log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Atomic replace may surface as Rename or Remove
				// before the new file is ready.
				time.Sleep(replaceCheckDelay)
				if _, err := os.Stat(w.configPath); err != nil {
					log.Warnf("config file removed: %s", w.configPath)
					continue
				}
			}
			if event.Op&configOps != 0 || event.Op&fsnotify.Remove != 0 {
				w.scheduleConfigReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

// scheduleConfigReload debounces bursts of write events into one reload.
func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()

	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfig() bool {
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		// The old configuration stays active; a half-saved file must
		// not take the server down.
		log.Errorf("failed to reload config: %v", err)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	util.SetLogLevel(newConfig)
	if oldConfig != nil && oldConfig.Debug != newConfig.Debug {
		log.Debugf("log level updated - debug mode changed from %t to %t", oldConfig.Debug, newConfig.Debug)
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig.Clone())
	}
	log.Infof("config successfully reloaded")
	return true
}

// Config returns the currently active configuration.
func (w *Watcher) Config() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}
