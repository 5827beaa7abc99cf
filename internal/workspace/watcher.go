package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// mergeSettleDelay keeps the merge window open after the swap returns, so
// queued events from the merge's own renames are not misread as drift.
const mergeSettleDelay = 100 * time.Millisecond

// Watcher marks a canonical target dirty when anything outside a merge
// window writes to it. A dirty target fails its next merge with
// ErrMergeConflict.
//
// The watcher is a fast-path detector only: the hash comparison in Merge
// remains authoritative, so watcher loss or overflow is never fatal.
type Watcher struct {
	target string
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu       sync.Mutex
	dirty    bool
	merging  bool
	degraded bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a drift watcher for target.
func NewWatcher(target string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workspace: create watcher: %w", err)
	}
	return &Watcher{
		target: target,
		fsw:    fsw,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Start watches the target tree recursively, excluding .git, and begins
// processing events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.target); err != nil {
		return fmt.Errorf("workspace: watch target: %w", err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
	})
}

// Dirty reports whether an out-of-band write was observed.
func (w *Watcher) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Degraded reports whether events may have been lost.
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// BeginMerge opens a merge window: events until EndMerge are the
// manager's own writes.
func (w *Watcher) BeginMerge() {
	w.mu.Lock()
	w.merging = true
	w.mu.Unlock()
}

// EndMerge closes the merge window and clears the dirty mark. The window
// stays open through a short settle because the merge's queued rename
// events can be delivered after the swap returns; anything missed in that
// gap is caught by the next hash comparison.
func (w *Watcher) EndMerge() {
	time.Sleep(mergeSettleDelay)
	w.mu.Lock()
	w.merging = false
	w.dirty = false
	w.mu.Unlock()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk; a missing subdir is not drift.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.setDegraded(err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Chmod covers atime updates from plain reads, which are not drift.
	if event.Op == fsnotify.Chmod {
		return
	}
	if isGitPath(event.Name) {
		return
	}

	w.mu.Lock()
	merging := w.merging
	w.mu.Unlock()

	if merging {
		// Directories appearing during the merge window belong to the new
		// tree and must be watched for the rest of the session.
		if event.Op&fsnotify.Create != 0 {
			w.maybeWatchDir(event.Name)
		}
		return
	}

	w.mu.Lock()
	already := w.dirty
	w.dirty = true
	w.mu.Unlock()
	if !already {
		w.logger.Warn("out-of-band write on canonical target",
			zap.String("target", w.target),
			zap.String("path", event.Name),
			zap.String("op", event.Op.String()))
	}
}

func (w *Watcher) maybeWatchDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addRecursive(path); err != nil {
		w.setDegraded(err)
	}
}

func (w *Watcher) setDegraded(err error) {
	w.mu.Lock()
	already := w.degraded
	w.degraded = true
	w.mu.Unlock()
	if !already {
		w.logger.Warn("drift watcher degraded, hash comparison remains authoritative",
			zap.String("target", w.target), zap.Error(err))
	}
}

func isGitPath(path string) bool {
	if filepath.Base(path) == ".git" {
		return true
	}
	sep := string(filepath.Separator)
	return strings.Contains(path, sep+".git"+sep)
}
