// Package watch re-runs syncs whenever the source stores change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SyncFunc performs one complete sync run.
type SyncFunc func(ctx context.Context) error

// Watcher watches store directories and syncs after they change
type Watcher struct {
	dirs        []string
	run         SyncFunc
	logger      *slog.Logger
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for change events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewWatcher creates a watcher over dirs. Bursts of changes closer together
// than delay cause a single sync.
func NewWatcher(dirs []string, delay time.Duration, run SyncFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		dirs:     dirs,
		run:      run,
		logger:   logger,
		debounce: &debouncer{delay: delay},
	}
}

// Start performs an initial sync and then syncs after every change until
// ctx is cancelled. It returns once in-flight syncs have finished.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.logger.Info("performing initial sync before watching")
	w.performSync(ctx)

	// Debounced events are handed back to this loop so that every sync is
	// started, and waited for, from here.
	fire := make(chan struct{}, 1)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	w.logger.Info("watching stores", "dirs", w.dirs)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher")
			w.debounce.stop()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("store changed", "path", event.Name, "op", event.Op.String())
			w.debounce.trigger(func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				w.performSync(ctx)
			}()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("error watching stores", "error", err)
		}
	}
}

// relevant reports whether event can change a store's fingerprint. The
// lock file and the engine's info log change without new data.
func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Base(event.Name) {
	case "LOCK", "LOG", "LOG.old":
		return false
	}
	return true
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (w *Watcher) performSync(ctx context.Context) {
	w.syncMu.Lock()
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.syncMu.Unlock()

	for {
		if err := w.run(ctx); err != nil {
			w.logger.Error("sync failed", "error", err)
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		w.syncMu.Lock()
		if !w.syncPending || ctx.Err() != nil {
			w.syncPending = false
			w.syncRunning = false
			w.syncMu.Unlock()
			break
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
