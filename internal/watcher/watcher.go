// Package watcher monitors the configuration file for changes and reloads it
// without restarting the agent.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/un1t-gg/audial-agent/internal/config"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher watches the config file and invokes a callback on real changes.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastConfigHash string
}

// NewWatcher creates a config file watcher.
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

// Start begins watching. Editors often replace files instead of writing in
// place, so the parent directory is watched and events filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		log.Errorf("failed to watch config directory: %v", err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	if hash, err := w.hashFile(); err == nil {
		w.lastConfigHash = hash
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Small debounce so partially-written files are not parsed.
			time.Sleep(100 * time.Millisecond)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	hash, err := w.hashFile()
	if err != nil {
		log.Debugf("config file not readable after change event: %v", err)
		return
	}
	if hash == w.lastConfigHash {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	w.lastConfigHash = hash
	log.Info("config file changed, reloading")
	w.reloadCallback(cfg)
}

func (w *Watcher) hashFile() (string, error) {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
