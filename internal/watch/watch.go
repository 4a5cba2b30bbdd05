// Package watch waits for an input folder to stop changing before a run
// starts, so images still being copied in are not partitioned half-written.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"sfmbatch/internal/fsutil"
)

// Event is one relevant change in the watched directory.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Time      time.Time `json:"time"`
}

// Watcher reports image changes in one directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	Events  chan Event
	done    chan struct{}
	log     *slog.Logger
}

// New creates a Watcher for dir. Call Start to begin delivering events.
func New(dir string, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: w,
		dir:     dir,
		Events:  make(chan Event, 100),
		done:    make(chan struct{}),
		log:     log,
	}, nil
}

// Start registers the directory and processes events in the background.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching directory", "dir", w.dir)
	go w.processEvents()
	return nil
}

// Stop releases the watcher. Events is closed once processing exits.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var op string
			switch {
			case ev.Op&fsnotify.Create == fsnotify.Create:
				op = "created"
			case ev.Op&fsnotify.Write == fsnotify.Write:
				op = "modified"
			case ev.Op&fsnotify.Remove == fsnotify.Remove:
				op = "deleted"
			case ev.Op&fsnotify.Rename == fsnotify.Rename:
				op = "renamed"
			default:
				continue
			}
			if !fsutil.IsImageFile(ev.Name) {
				continue
			}
			select {
			case w.Events <- Event{Path: ev.Name, Operation: op, Time: time.Now()}:
			case <-w.done:
				return
			default:
				w.log.Warn("event buffer full, dropping event", "path", ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// WaitForQuiescence blocks until no image in dir has changed for settle.
func WaitForQuiescence(ctx context.Context, dir string, settle time.Duration, log *slog.Logger) error {
	if settle <= 0 {
		return nil
	}
	if !fsutil.IsDir(dir) {
		return fmt.Errorf("input folder %s does not exist", dir)
	}
	w, err := New(dir, log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Stop()

	log.Info("waiting for input folder to settle", "dir", dir, "settle", settle)
	timer := time.NewTimer(settle)
	defer timer.Stop()
	changes := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher for %s closed", dir)
			}
			changes++
			log.Debug("input changed", "path", ev.Path, "operation", ev.Operation)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(settle)
		case <-timer.C:
			log.Info("input folder settled", "dir", dir, "changes", changes)
			return nil
		}
	}
}
