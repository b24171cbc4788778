package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands the new,
// validated config to a callback. Invalid edits are logged and skipped so the
// running config stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for path. Start must be called to begin watching.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "config-watch"),
		debounce: defaultWatchDebounce,
	}
}

// Start watches the file's directory, since editors often replace files by
// rename rather than writing in place.
func (w *Watcher) Start(ctx context.Context) error {
	absPath, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	w.path = absPath

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
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
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

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
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
