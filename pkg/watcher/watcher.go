// Package watcher debounces raw filesystem events and translates them into
// logical Created/Modified/Removed events scoped to a SyncDirectory.
//
// fsnotify does not watch subtrees recursively, so every directory
// encountered under a SyncDirectory's root is added individually via a
// walk-and-Add pass. fsnotify.Rename is decomposed into Removed(from) +
// Created(to) at emission time, since fsnotify only ever reports the "from"
// half of a rename and a separate Create for the "to" half.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matx64/synche/pkg/ignore"
	"github.com/matx64/synche/pkg/model"
	"go.uber.org/zap"
)

// DebounceWindow is the default window used to collapse editor save
// patterns (write-then-rename, truncate-then-write) into a single logical
// event.
const DebounceWindow = 200 * time.Millisecond

// Adapter watches one or more SyncDirectory roots and emits debounced,
// ignore-filtered model.WatchEvents.
type Adapter struct {
	logger *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*dirTask // keyed by SyncDirectory name
	closed bool
}

// New builds an Adapter that logs via logger (nil is treated as a no-op
// logger).
func New(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger, tasks: make(map[string]*dirTask)}
}

type dirTask struct {
	dir     model.SyncDirectory
	watcher *fsnotify.Watcher
	filter  *ignore.Filter
	out     chan<- model.WatchEvent
	logger  *zap.Logger

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	pending    map[string]model.WatchEventKind

	done chan struct{}
}

// Watch starts a per-directory task recursively watching dir.RootAbsPath and
// emitting debounced logical events onto out. It returns a stop function
// that tears down the underlying fsnotify watcher.
func (a *Adapter) Watch(dir model.SyncDirectory, filter *ignore.Filter, out chan<- model.WatchEvent) (func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: create fsnotify watcher: %w", dir.Name, err)
	}

	if err := addRecursive(fw, dir.RootAbsPath); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir.Name, err)
	}

	t := &dirTask{
		dir:     dir,
		watcher: fw,
		filter:  filter,
		out:     out,
		logger:  a.logger.With(zap.String("dir", dir.Name)),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]model.WatchEventKind),
		done:    make(chan struct{}),
	}

	a.mu.Lock()
	a.tasks[dir.Name] = t
	a.mu.Unlock()

	go t.run()

	stop := func() {
		close(t.done)
		fw.Close()
		a.mu.Lock()
		delete(a.tasks, dir.Name)
		a.mu.Unlock()
	}
	return stop, nil
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if addErr := fw.Add(path); addErr != nil {
			return fmt.Errorf("add %s: %w", path, addErr)
		}
		return nil
	})
}

func (t *dirTask) run() {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleRaw(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (t *dirTask) handleRaw(ev fsnotify.Event) {
	rel, err := filepath.Rel(t.dir.RootAbsPath, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return
	}

	if filepath.Base(rel) == ".gitignore" {
		// Ignore Filter reload is driven by the Orchestrator observing this
		// same event; the watcher itself only needs to keep emitting.
	}

	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	if t.filter != nil && t.filter.IsIgnored(rel, isDir) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if isDir {
			t.watcher.Add(ev.Name)
		}
		t.debounce(rel, model.EvCreated)
		return
	}
	if ev.Op&fsnotify.Write != 0 {
		t.debounce(rel, model.EvModified)
		return
	}
	if ev.Op&fsnotify.Remove != 0 {
		t.debounce(rel, model.EvRemoved)
		return
	}
	if ev.Op&fsnotify.Rename != 0 {
		// fsnotify reports only the "from" half of a rename as this event;
		// the "to" half arrives as a separate Create. Emitting Removed here
		// decomposes the rename into Removed(from) + Created(to) without
		// needing to correlate the two events.
		t.debounce(rel, model.EvRemoved)
		return
	}
}

// debounce collapses repeated events for the same path within
// DebounceWindow into a single emission of the latest kind observed, except
// that a Modified following a pending Created stays Created (a new file is
// usually created and then written).
func (t *dirTask) debounce(relPath string, kind model.WatchEventKind) {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()

	if timer, ok := t.timers[relPath]; ok {
		timer.Stop()
		if t.pending[relPath] == model.EvCreated && kind == model.EvModified {
			kind = model.EvCreated
		}
	}
	t.pending[relPath] = kind
	t.timers[relPath] = time.AfterFunc(DebounceWindow, func() {
		t.debounceMu.Lock()
		delete(t.timers, relPath)
		delete(t.pending, relPath)
		t.debounceMu.Unlock()

		select {
		case t.out <- model.WatchEvent{Dir: t.dir.Name, Path: relPath, Kind: kind, At: time.Now()}:
		case <-t.done:
		}
	})
}
