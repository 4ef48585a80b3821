package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// config that passes validation to OnChange. Invalid edits are logged and
// dropped so the running config stays in place.
type Watcher struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
	OnChange func(*Config)
	OnError  func(error) // optional, called for every rejected reload
}

func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{Path: path, Debounce: defaultDebounce, Logger: logger, OnChange: onChange}
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file itself so editors that replace the file via rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	target, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(target), err)
	}
	w.Logger.Info("watching config", "path", target)

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	// armed only after the first matching event
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(ev.Name)
			if name != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.Path)
	if err != nil {
		w.Logger.Error("config reload rejected", "path", w.Path, "error", err)
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.Logger.Info("config reloaded", "path", w.Path, "locations", len(c.Locations), "upstreams", len(c.Upstreams))
	if w.OnChange != nil {
		w.OnChange(c)
	}
}
