// Package entrymgr implements the sole mutator of EntryRecords. Every
// mutation goes through a per-(dir,path) exclusion so that concurrent local
// observations and remote announcements for the same entry never
// interleave, using a map-guarded-by-mutex shape for per-key state.
package entrymgr

import (
	"fmt"
	"sync"

	"github.com/matx64/synche/pkg/conflict"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/store"
	"github.com/matx64/synche/pkg/vvector"
	"go.uber.org/zap"
)

// Manager is the sole mutator of EntryRecords.
type Manager struct {
	store    *store.Store
	resolver *conflict.Resolver
	selfPeer string
	logger   *zap.Logger

	keyLocksMu sync.Mutex
	keyLocks   map[model.EntryKey]*sync.Mutex
}

// New builds a Manager. selfPeer is this device's PeerId, used when bumping
// version vectors on local observation.
func New(st *store.Store, resolver *conflict.Resolver, selfPeer string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    st,
		resolver: resolver,
		selfPeer: selfPeer,
		logger:   logger,
		keyLocks: make(map[model.EntryKey]*sync.Mutex),
	}
}

func (m *Manager) lockFor(key model.EntryKey) *sync.Mutex {
	m.keyLocksMu.Lock()
	defer m.keyLocksMu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// ObserveLocal records a local filesystem observation for (dir, relPath)
// with the given kind, content hash, and size.
func (m *Manager) ObserveLocal(dir, relPath string, kind model.EntryKind, hash string, size uint64, mtimeNs uint64) (model.Decision, error) {
	key := model.EntryKey{Dir: dir, Path: relPath}
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prior, err := m.store.Get(dir, relPath)
	if err != nil {
		return model.Decision{}, fmt.Errorf("observe_local %s/%s: load prior: %w", dir, relPath, err)
	}

	if prior != nil && !prior.Tombstone && prior.Hash == hash && prior.Kind == kind {
		return model.Decision{Kind: model.NoOp, Record: prior}, nil
	}

	var priorVV vvector.VersionVector
	if prior != nil {
		priorVV = prior.VV
	}

	next := &model.EntryRecord{
		Dir:                 dir,
		Path:                relPath,
		Kind:                kind,
		Hash:                hash,
		Size:                size,
		Tombstone:           false,
		VV:                  vvector.Bump(priorVV, m.selfPeer),
		LastModifiedLocalNs: mtimeNs,
	}

	if err := m.store.Put(next); err != nil {
		return model.Decision{}, fmt.Errorf("observe_local %s/%s: persist: %w", dir, relPath, err)
	}

	m.logger.Debug("observed local change",
		zap.String("dir", dir), zap.String("path", relPath), zap.Uint64("self_counter", next.VV[m.selfPeer]))

	return model.Decision{Kind: model.Updated, Record: next, LocalBefore: prior}, nil
}

// MarkDeletedLocal records that the local file at (dir, relPath) was
// removed. The prior record, if any, is
// tombstoned and its vector bumped for self so the deletion is causally
// visible to other peers.
func (m *Manager) MarkDeletedLocal(dir, relPath string) (model.Decision, error) {
	key := model.EntryKey{Dir: dir, Path: relPath}
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prior, err := m.store.Get(dir, relPath)
	if err != nil {
		return model.Decision{}, fmt.Errorf("mark_deleted_local %s/%s: load prior: %w", dir, relPath, err)
	}
	if prior != nil && prior.Tombstone {
		return model.Decision{Kind: model.NoOp, Record: prior}, nil
	}

	var priorVV vvector.VersionVector
	var kind model.EntryKind
	if prior != nil {
		priorVV = prior.VV
		kind = prior.Kind
	}

	next := &model.EntryRecord{
		Dir:       dir,
		Path:      relPath,
		Kind:      kind,
		Tombstone: true,
		VV:        vvector.Bump(priorVV, m.selfPeer),
	}

	if err := m.store.Put(next); err != nil {
		return model.Decision{}, fmt.Errorf("mark_deleted_local %s/%s: persist: %w", dir, relPath, err)
	}

	m.logger.Debug("marked local deletion", zap.String("dir", dir), zap.String("path", relPath))
	return model.Decision{Kind: model.Updated, Record: next, LocalBefore: prior}, nil
}

// ApplyRemote reconciles an inbound announcement against the local record
// for the same (dir, path).
func (m *Manager) ApplyRemote(ann model.Announcement) (model.Decision, error) {
	key := model.EntryKey{Dir: ann.Dir, Path: ann.Path}
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prior, err := m.store.Get(ann.Dir, ann.Path)
	if err != nil {
		return model.Decision{}, fmt.Errorf("apply_remote %s/%s: load prior: %w", ann.Dir, ann.Path, err)
	}

	var priorVV vvector.VersionVector
	if prior != nil {
		priorVV = prior.VV
	}

	cmp := vvector.Compare(priorVV, ann.VV)

	switch cmp {
	case vvector.Equal:
		bothTombstoned := prior != nil && prior.Tombstone && ann.Tombstone
		hashMatches := prior != nil && prior.Hash == ann.Hash
		if bothTombstoned || hashMatches {
			return model.Decision{Kind: model.NoOp, Record: prior}, nil
		}
		// Equal vectors but divergent content: treat as concurrent, a
		// hash-drift guard against a misbehaving or buggy peer.
		return m.resolveConflict(prior, ann)

	case vvector.Less:
		next := &model.EntryRecord{
			Dir:       ann.Dir,
			Path:      ann.Path,
			Kind:      ann.Kind,
			Hash:      ann.Hash,
			Size:      ann.Size,
			Tombstone: ann.Tombstone,
			VV:        vvector.Merge(priorVV, ann.VV),
		}
		if err := m.store.Put(next); err != nil {
			return model.Decision{}, fmt.Errorf("apply_remote %s/%s: persist: %w", ann.Dir, ann.Path, err)
		}
		return model.Decision{Kind: model.Updated, Record: next, LocalBefore: prior}, nil

	case vvector.Greater:
		// Remote is stale; our own scheduler will push our version to it.
		return model.Decision{Kind: model.NoOp, Record: prior}, nil

	default: // Concurrent
		return m.resolveConflict(prior, ann)
	}
}

func (m *Manager) resolveConflict(prior *model.EntryRecord, ann model.Announcement) (model.Decision, error) {
	outcome, err := m.resolver.Resolve(m.selfPeer, prior, ann)
	if err != nil {
		return model.Decision{}, fmt.Errorf("apply_remote %s/%s: resolve conflict: %w", ann.Dir, ann.Path, err)
	}

	if err := m.store.Put(outcome.Primary); err != nil {
		return model.Decision{}, fmt.Errorf("apply_remote %s/%s: persist primary: %w", ann.Dir, ann.Path, err)
	}
	if err := m.store.Put(outcome.Sidecar); err != nil {
		return model.Decision{}, fmt.Errorf("apply_remote %s/%s: persist sidecar: %w", ann.Dir, ann.Path, err)
	}

	m.logger.Info("concurrent update resolved",
		zap.String("dir", ann.Dir), zap.String("path", ann.Path),
		zap.String("sidecar_path", outcome.SidecarRelPath))

	return model.Decision{
		Kind: model.Conflict, Record: outcome.Primary, LocalBefore: prior,
		Remote: outcome.Sidecar, PrimaryIsLocal: outcome.PrimaryIsLocal,
	}, nil
}
