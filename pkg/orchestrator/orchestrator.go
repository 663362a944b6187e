// Package orchestrator wires the Metadata Store, Entry Manager, Watcher
// Adapter, Ignore Filter, Peer Registry, and Sync Protocol together into a
// single running device. It is the composition root and the sole
// implementation of protocol.Handler: every wire event and every local
// filesystem event is serialized here, one at a time, onto the (dir, path)
// exclusion the Entry Manager already provides.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matx64/synche/pkg/entrymgr"
	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/hashutil"
	"github.com/matx64/synche/pkg/ignore"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/protocol"
	"github.com/matx64/synche/pkg/registry"
	"github.com/matx64/synche/pkg/store"
	"github.com/matx64/synche/pkg/watcher"
	"go.uber.org/zap"
)

// suppressWindow is how long a filesystem mutation the Orchestrator itself
// just performed (a Transfer commit, or a local rename into a conflict
// sidecar) is ignored if the Watcher Adapter reports it back as a local
// change, avoiding treating our own write as a fresh local observation.
const suppressWindow = 3 * time.Second

// Orchestrator owns every long-lived collaborator and the single event loop
// that drives them.
type Orchestrator struct {
	selfPeerID string
	logger     *zap.Logger

	store       *store.Store
	mgr         *entrymgr.Manager
	bus         *eventbus.Bus
	watcher     *watcher.Adapter
	registry    *registry.Registry
	transport   *protocol.Transport
	watchEvents chan model.WatchEvent

	dirsMu     sync.RWMutex
	dirs       map[string]model.SyncDirectory
	filters    map[string]*ignore.Filter
	watchStops map[string]func()

	sessMu      sync.Mutex
	sessions    map[string]*protocol.Session
	sessionDirs map[string][]string

	suppressMu sync.Mutex
	suppress   map[model.EntryKey]time.Time

	maxFileSize int64
}

// New builds an Orchestrator. The caller must still call SetTransport and
// SetRegistry once those collaborators exist -- they in turn need the
// Orchestrator (as Handler and Dialer target), so construction is
// necessarily two-phase.
func New(selfPeerID string, st *store.Store, mgr *entrymgr.Manager, bus *eventbus.Bus, watchAdapter *watcher.Adapter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		selfPeerID:  selfPeerID,
		logger:      logger,
		store:       st,
		mgr:         mgr,
		bus:         bus,
		watcher:     watchAdapter,
		watchEvents: make(chan model.WatchEvent, 256),
		dirs:        make(map[string]model.SyncDirectory),
		filters:     make(map[string]*ignore.Filter),
		watchStops:  make(map[string]func()),
		sessions:    make(map[string]*protocol.Session),
		sessionDirs: make(map[string][]string),
		suppress:    make(map[model.EntryKey]time.Time),
	}
}

// SetTransport wires the Sync Protocol transport this Orchestrator accepts
// inbound connections through and dials outbound ones with.
func (o *Orchestrator) SetTransport(t *protocol.Transport) { o.transport = t }

// SetRegistry wires the Peer Registry whose PeerUp/PeerDown a Discovery
// Source should call into.
func (o *Orchestrator) SetRegistry(r *registry.Registry) { o.registry = r }

// SetMaxFileSize caps the size of files the Orchestrator will hash and track.
// A file already over the limit when scanned, or that grows past it, is left
// alone: never announced, never fetched. Zero means unlimited.
func (o *Orchestrator) SetMaxFileSize(bytes int64) { o.maxFileSize = bytes }

func (o *Orchestrator) tooLarge(size int64) bool {
	return o.maxFileSize > 0 && size > o.maxFileSize
}

// DirectoryNames returns the names of every currently tracked SyncDirectory,
// suitable for protocol.Transport's directories callback.
func (o *Orchestrator) DirectoryNames() []string {
	o.dirsMu.RLock()
	defer o.dirsMu.RUnlock()
	names := make([]string, 0, len(o.dirs))
	for name := range o.dirs {
		names = append(names, name)
	}
	return names
}

// ResolveDir implements protocol.DirResolver.
func (o *Orchestrator) ResolveDir(name string) (string, bool) {
	o.dirsMu.RLock()
	defer o.dirsMu.RUnlock()
	d, ok := o.dirs[name]
	if !ok {
		return "", false
	}
	return d.RootAbsPath, true
}

// AddDirectory registers a new SyncDirectory: it loads the root-level
// .gitignore if present, performs an initial scan reconciling on-disk state
// against whatever the Metadata Store already remembers, and starts a
// Watcher Adapter task for it.
func (o *Orchestrator) AddDirectory(dir model.SyncDirectory) error {
	filter := ignore.New()
	if _, err := filter.LoadFromDisk(dir.RootAbsPath, ""); err != nil {
		return fmt.Errorf("add directory %s: %w", dir.Name, err)
	}

	o.dirsMu.Lock()
	o.dirs[dir.Name] = dir
	o.filters[dir.Name] = filter
	o.dirsMu.Unlock()

	if err := o.scanDirectory(dir, filter); err != nil {
		return fmt.Errorf("add directory %s: initial scan: %w", dir.Name, err)
	}

	stop, err := o.watcher.Watch(dir, filter, o.watchEvents)
	if err != nil {
		return fmt.Errorf("add directory %s: %w", dir.Name, err)
	}

	o.dirsMu.Lock()
	o.watchStops[dir.Name] = stop
	o.dirsMu.Unlock()

	o.bus.Publish(model.SyncDirectoryAdded{Name: dir.Name})
	return nil
}

// RemoveDirectory tears down the watch on dir and stops tracking it. Stored
// records for the directory are left in place; a re-add reconciles against
// them rather than starting from a blank slate.
func (o *Orchestrator) RemoveDirectory(name string) {
	o.dirsMu.Lock()
	if stop, ok := o.watchStops[name]; ok {
		stop()
		delete(o.watchStops, name)
	}
	delete(o.dirs, name)
	delete(o.filters, name)
	o.dirsMu.Unlock()

	o.bus.Publish(model.SyncDirectoryRemoved{Name: name})
}

// scanDirectory walks the directory tree once at add-time, calling
// ObserveLocal for every file the Watcher Adapter has not seen yet (since it
// only reports changes from this point forward) and tombstoning any stored
// record whose file no longer exists on disk.
func (o *Orchestrator) scanDirectory(dir model.SyncDirectory, filter *ignore.Filter) error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(dir.RootAbsPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir.RootAbsPath, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if filter.IsIgnored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			seen[rel] = true
			if _, err := o.mgr.ObserveLocal(dir.Name, rel, model.KindDirectory, "", 0, 0); err != nil {
				o.logger.Warn("scan: observe directory failed", zap.String("path", rel), zap.Error(err))
			}
			return nil
		}

		seen[rel] = true
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if o.tooLarge(info.Size()) {
			o.logger.Debug("scan: file over size limit skipped", zap.String("path", rel), zap.Int64("size", info.Size()))
			return nil
		}
		hash, size, hashErr := hashutil.HashFile(p)
		if hashErr != nil {
			o.logger.Warn("scan: hash failed", zap.String("path", rel), zap.Error(hashErr))
			return nil
		}
		if _, err := o.mgr.ObserveLocal(dir.Name, rel, model.KindFile, hash, size, uint64(info.ModTime().UnixNano())); err != nil {
			o.logger.Warn("scan: observe file failed", zap.String("path", rel), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	records, err := o.store.IterateDir(dir.Name)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Tombstone || seen[rec.Path] {
			continue
		}
		if _, err := o.mgr.MarkDeletedLocal(dir.Name, rec.Path); err != nil {
			o.logger.Warn("scan: mark deleted failed", zap.String("path", rec.Path), zap.Error(err))
		}
	}
	return nil
}

// Run drives the main event loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-o.watchEvents:
			o.handleWatchEvent(ev)
		}
	}
}

func (o *Orchestrator) handleWatchEvent(ev model.WatchEvent) {
	key := model.EntryKey{Dir: ev.Dir, Path: ev.Path}
	if o.consumeSuppressed(key) {
		return
	}

	o.dirsMu.RLock()
	dir, ok := o.dirs[ev.Dir]
	filter := o.filters[ev.Dir]
	o.dirsMu.RUnlock()
	if !ok {
		return
	}

	if filepath.Base(ev.Path) == ".gitignore" {
		parent := filepath.ToSlash(filepath.Dir(ev.Path))
		if parent == "." {
			parent = ""
		}
		if _, err := filter.LoadFromDisk(dir.RootAbsPath, parent); err != nil {
			o.logger.Warn("reload gitignore failed", zap.String("dir", ev.Dir), zap.Error(err))
		}
	}

	switch ev.Kind {
	case model.EvRemoved:
		decision, err := o.mgr.MarkDeletedLocal(ev.Dir, ev.Path)
		if err != nil {
			o.logger.Warn("mark deleted failed", zap.String("dir", ev.Dir), zap.String("path", ev.Path), zap.Error(err))
			return
		}
		o.afterLocalDecision(ev.Dir, decision)

	case model.EvCreated, model.EvModified:
		absPath := filepath.Join(dir.RootAbsPath, filepath.FromSlash(ev.Path))
		info, statErr := os.Lstat(absPath)
		if statErr != nil {
			// Already gone by the time we got to it; treat as removal.
			decision, err := o.mgr.MarkDeletedLocal(ev.Dir, ev.Path)
			if err == nil {
				o.afterLocalDecision(ev.Dir, decision)
			}
			return
		}
		if info.IsDir() {
			decision, err := o.mgr.ObserveLocal(ev.Dir, ev.Path, model.KindDirectory, "", 0, uint64(info.ModTime().UnixNano()))
			if err != nil {
				o.logger.Warn("observe directory failed", zap.Error(err))
				return
			}
			o.afterLocalDecision(ev.Dir, decision)
			return
		}
		if o.tooLarge(info.Size()) {
			o.logger.Debug("file over size limit skipped", zap.String("path", ev.Path), zap.Int64("size", info.Size()))
			return
		}
		hash, size, err := hashutil.HashFile(absPath)
		if err != nil {
			o.logger.Warn("hash file failed", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		decision, err := o.mgr.ObserveLocal(ev.Dir, ev.Path, model.KindFile, hash, size, uint64(info.ModTime().UnixNano()))
		if err != nil {
			o.logger.Warn("observe local failed", zap.Error(err))
			return
		}
		o.afterLocalDecision(ev.Dir, decision)
	}
}

// afterLocalDecision announces a local mutation to every connected peer
// that also tracks this SyncDirectory.
func (o *Orchestrator) afterLocalDecision(dir string, decision model.Decision) {
	if decision.Kind == model.NoOp {
		return
	}
	ann := model.FromRecord(decision.Record, o.selfPeerID)
	o.bus.Publish(model.EntryUpdated{Dir: dir, Path: decision.Record.Path})

	for _, s := range o.sessionsForDir(dir) {
		if err := s.SendAnnounce(ann); err != nil {
			o.logger.Debug("send announce failed", zap.String("peer", s.PeerID()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) sessionsForDir(dir string) []*protocol.Session {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()

	var out []*protocol.Session
	for peerID, s := range o.sessions {
		for _, d := range o.sessionDirs[peerID] {
			if d == dir {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (o *Orchestrator) suppressPath(dir, path string) {
	o.suppressMu.Lock()
	defer o.suppressMu.Unlock()
	o.suppress[model.EntryKey{Dir: dir, Path: path}] = time.Now().Add(suppressWindow)
}

func (o *Orchestrator) consumeSuppressed(key model.EntryKey) bool {
	o.suppressMu.Lock()
	defer o.suppressMu.Unlock()
	until, ok := o.suppress[key]
	if !ok {
		return false
	}
	delete(o.suppress, key)
	return time.Now().Before(until)
}

func (o *Orchestrator) removeSession(peerID string) {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	delete(o.sessions, peerID)
	delete(o.sessionDirs, peerID)
}
