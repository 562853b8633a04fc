package costs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Calculator's pricing table when its file changes.
// The containing directory is watched so that editors that replace the file
// atomically are still observed. Bursts of events are debounced.
type Watcher struct {
	path     string
	format   string
	calc     *Calculator
	watcher  *fsnotify.Watcher
	debounce *Debouncer
	logger   *slog.Logger

	// onReload is called after every reload attempt (tests hook this)
	onReload func(error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the pricing file at path.
func NewWatcher(path, format string, calc *Calculator, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		format:   format,
		calc:     calc,
		watcher:  fsw,
		debounce: NewDebouncer(interval),
		logger:   slog.Default().With("component", "costs.watcher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks until ctx is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("pricing watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch pricing directory: %w", err)
	}
	w.logger.Info("pricing watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod || filepath.Clean(event.Name) != w.path {
				continue
			}
			w.debounce.Trigger(w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("pricing watcher error", "error", err)
		}
	}
}

// reload keeps the previous table when the new file does not parse.
func (w *Watcher) reload() {
	table, err := LoadFile(w.path, w.format)
	if err == nil {
		w.calc.UpdatePricing(table)
		w.logger.Info("pricing reloaded", "models", len(table))
	} else {
		w.logger.Error("pricing reload failed, keeping previous table", "error", err)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop stops the watcher and waits for Watch to return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	w.debounce.Stop()
	return w.watcher.Close()
}

// Debouncer collects rapid events and runs the last callback after a quiet period.
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			callback()
		}
	})
}

// Stop cancels any pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
