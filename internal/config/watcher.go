package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads the allowed directories from the config file when it
// changes. ALLOWED_DIRECTORIES in the environment pins the list and disables
// reloading.
type Watcher struct {
	path     string
	allow    *AllowList
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path that updates allow.
func NewWatcher(path string, allow *AllowList, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		allow:    allow,
		logger:   logger,
		debounce: defaultWatchDebounce,
	}
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.Reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the config file and swaps the allow-list.
func (w *Watcher) Reload() {
	if os.Getenv("ALLOWED_DIRECTORIES") != "" {
		return
	}
	fc, err := readFile(w.path)
	if err != nil {
		w.logger.Warn("failed to reload config file", zap.String("path", w.path), zap.Error(err))
		return
	}
	if len(fc.AllowedDirectories) == 0 {
		w.logger.Warn("config reload ignored: allowed_directories is empty", zap.String("path", w.path))
		return
	}
	w.allow.Set(fc.AllowedDirectories)
	w.logger.Info("allowed directories reloaded", zap.Strings("directories", w.allow.Dirs()))
}
