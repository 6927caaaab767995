package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherStopped is returned by Await after Stop.
var ErrWatcherStopped = errors.New("artifact watcher stopped")

// Watcher notifies callers when an awaited artifact path is written.
//
// The engine registers a callback whenever an advance is blocked on a missing
// artifact; the callback fires once on the first create or write event for
// that path.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	waits   map[string][]func()
	dirs    map[string]struct{}
	stop    chan struct{}
	stopped bool
}

// NewWatcher creates a filesystem watcher.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating artifact watcher: %w", err)
	}
	return &Watcher{
		watcher: fw,
		logger:  logger.Named("artifact.watcher"),
		waits:   make(map[string][]func()),
		dirs:    make(map[string]struct{}),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins processing filesystem events in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

// Await registers fn to run once when path is created or written. If path
// already exists fn is scheduled immediately.
func (w *Watcher) Await(path string, fn func()) error {
	return w.AwaitSince(path, time.Time{}, fn)
}

// AwaitSince is Await for a change after since: an existing path only
// schedules fn immediately when it was modified after since.
func (w *Watcher) AwaitSince(path string, since time.Time, fn func()) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWatcherStopped
	}

	if _, ok := w.dirs[dir]; !ok {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating artifact dir %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}

	if info, err := os.Stat(path); err == nil && info.ModTime().After(since) {
		go fn()
		return nil
	}

	w.waits[path] = append(w.waits[path], fn)
	return nil
}

// Pending returns the number of paths with registered callbacks.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

// Stop stops the watcher and drops pending callbacks.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
	w.waits = make(map[string][]func())
	_ = w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.fire(filepath.Clean(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	fns := w.waits[path]
	delete(w.waits, path)
	w.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	w.logger.Debug("awaited artifact written", zap.String("path", path), zap.Int("callbacks", len(fns)))
	for _, fn := range fns {
		go fn()
	}
}
