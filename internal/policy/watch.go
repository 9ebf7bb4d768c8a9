package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher calls OnChange after the policy file is written. Events within the
// debounce window collapse into one call.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context) error
	Logger   *slog.Logger
}

// Run blocks until ctx is cancelled. The containing directory is watched so
// editors that replace the file by rename are still observed.
func (w Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy_watcher")
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", target, err)
	}
	logger.Info("watching policy file", "path", target)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		if err := w.OnChange(ctx); err != nil {
			logger.Error("policy reload failed", "error", err)
			return
		}
		logger.Info("policy reloaded", "path", target)
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
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("policy watcher error", "error", err)
		}
	}
}
