package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/matx64/synche/pkg/hashutil"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/protocol"
	"go.uber.org/zap"
)

// OnHello implements protocol.Handler. It registers the session, then sends
// back the current state of every SyncDirectory both sides declared: every
// non-tombstoned record, plus tombstones whose vector already names peerID
// as a key (so a peer that never saw an entry doesn't get a bare deletion
// notice for a path it never knew about).
func (o *Orchestrator) OnHello(s *protocol.Session, peerID string, directories []string) {
	o.sessMu.Lock()
	o.sessions[peerID] = s
	o.sessionDirs[peerID] = directories
	o.sessMu.Unlock()

	go func() {
		<-s.Done()
		o.removeSession(peerID)
	}()

	common := o.intersectDirs(directories)
	var batch []model.Announcement
	for _, dirName := range common {
		records, err := o.store.IterateDir(dirName)
		if err != nil {
			o.logger.Warn("hello: iterate dir failed", zap.String("dir", dirName), zap.Error(err))
			continue
		}
		for _, rec := range records {
			if rec.Tombstone {
				if _, known := rec.VV[peerID]; !known {
					continue
				}
			}
			batch = append(batch, model.FromRecord(rec, o.selfPeerID))
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := s.SendAnnounceBatch(batch); err != nil {
		o.logger.Warn("hello: send announce batch failed", zap.String("peer", peerID), zap.Error(err))
	}
}

func (o *Orchestrator) intersectDirs(remote []string) []string {
	o.dirsMu.RLock()
	defer o.dirsMu.RUnlock()
	var out []string
	for _, name := range remote {
		if _, ok := o.dirs[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// OnAnnounce implements protocol.Handler. Announcements for a directory we
// do not currently track are dropped, per the module's stated policy of not
// remembering state for directories outside the local sync set.
func (o *Orchestrator) OnAnnounce(s *protocol.Session, ann model.Announcement) {
	if _, ok := o.ResolveDir(ann.Dir); !ok {
		o.logger.Debug("announce for untracked directory dropped", zap.String("dir", ann.Dir), zap.String("path", ann.Path))
		return
	}

	if ann.Kind == model.KindFile && o.tooLarge(int64(ann.Size)) {
		o.logger.Debug("announce over size limit dropped", zap.String("dir", ann.Dir), zap.String("path", ann.Path), zap.Uint64("size", ann.Size))
		return
	}

	decision, err := o.mgr.ApplyRemote(ann)
	if err != nil {
		o.logger.Warn("apply remote failed", zap.String("dir", ann.Dir), zap.String("path", ann.Path), zap.Error(err))
		return
	}

	switch decision.Kind {
	case model.NoOp:
		return

	case model.Updated:
		o.bus.Publish(model.EntryUpdated{Dir: ann.Dir, Path: decision.Record.Path})
		if decision.Record.Tombstone {
			o.applyRemoteDeletion(ann.Dir, decision.Record.Path)
			return
		}
		if !o.hasMatchingContent(ann.Dir, decision.Record) {
			if err := s.SendRequest(ann.Dir, decision.Record.Path, decision.Record.VV); err != nil {
				o.logger.Debug("send request failed", zap.Error(err))
			}
		}

	case model.Conflict:
		o.handleConflict(s, ann.Dir, decision)
	}
}

// handleConflict fetches whichever side's bytes are not already correct on
// disk. When the local side won the tie-break, only the newly created
// sidecar needs remote content. When the remote side won, the local file's
// current bytes are first moved to the sidecar path (already correct there,
// no fetch needed) so the winning remote content can be requested into the
// now-vacated original path.
func (o *Orchestrator) handleConflict(s *protocol.Session, dir string, decision model.Decision) {
	root, ok := o.ResolveDir(dir)
	if !ok {
		return
	}

	if decision.PrimaryIsLocal {
		if err := s.SendRequest(dir, decision.Remote.Path, decision.Remote.VV); err != nil {
			o.logger.Debug("send request for sidecar failed", zap.Error(err))
		}
		return
	}

	originalPath := decision.LocalBefore.Path
	sidecarAbs := filepath.Join(root, filepath.FromSlash(decision.Remote.Path))
	originalAbs := filepath.Join(root, filepath.FromSlash(originalPath))

	o.suppressPath(dir, originalPath)
	o.suppressPath(dir, decision.Remote.Path)

	if err := os.MkdirAll(filepath.Dir(sidecarAbs), 0o755); err != nil {
		o.logger.Warn("conflict: prepare sidecar dir failed", zap.Error(err))
		return
	}
	if err := os.Rename(originalAbs, sidecarAbs); err != nil {
		o.logger.Warn("conflict: move local file to sidecar failed", zap.Error(err))
		return
	}

	if err := s.SendRequest(dir, decision.Record.Path, decision.Record.VV); err != nil {
		o.logger.Debug("send request for conflict primary failed", zap.Error(err))
	}
}

func (o *Orchestrator) applyRemoteDeletion(dir, path string) {
	root, ok := o.ResolveDir(dir)
	if !ok {
		return
	}
	o.suppressPath(dir, path)
	absPath := filepath.Join(root, filepath.FromSlash(path))
	if err := os.RemoveAll(absPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("apply remote deletion failed", zap.String("path", path), zap.Error(err))
	}
}

// hasMatchingContent reports whether the on-disk file at rec's path already
// hashes to rec.Hash, so a redundant Request can be skipped.
func (o *Orchestrator) hasMatchingContent(dir string, rec *model.EntryRecord) bool {
	if rec.Kind != model.KindFile {
		return true
	}
	root, ok := o.ResolveDir(dir)
	if !ok {
		return false
	}
	absPath := filepath.Join(root, filepath.FromSlash(rec.Path))
	hash, size, err := hashFileQuiet(absPath)
	if err != nil {
		return false
	}
	return hash == rec.Hash && size == rec.Size
}

// OnRequest implements protocol.Handler: it looks up the current record and
// either streams its bytes back or, for a tombstoned path, re-announces the
// tombstone so the requester stops waiting on a Transfer that will never
// arrive. A request for a path with no record is logged and dropped without
// a reply.
func (o *Orchestrator) OnRequest(s *protocol.Session, dir, path string, expectedVV map[string]uint64) {
	rec, err := o.store.Get(dir, path)
	if err != nil {
		o.logger.Warn("request: store lookup failed", zap.Error(err))
		return
	}
	if rec == nil {
		o.logger.Debug("request for unknown path dropped", zap.String("dir", dir), zap.String("path", path))
		return
	}
	if rec.Tombstone {
		if err := s.SendAnnounce(model.FromRecord(rec, o.selfPeerID)); err != nil {
			o.logger.Debug("send tombstone announce failed", zap.Error(err))
		}
		return
	}

	root, ok := o.ResolveDir(dir)
	if !ok {
		return
	}
	absPath := filepath.Join(root, filepath.FromSlash(path))
	f, err := os.Open(absPath)
	if err != nil {
		o.logger.Warn("request: open local file failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if err := s.SendTransfer(dir, path, rec.VV, rec.Hash, rec.Size, f); err != nil {
		o.logger.Warn("send transfer failed", zap.String("path", path), zap.Error(err))
	}
}

// CurrentVV implements protocol.Handler.
func (o *Orchestrator) CurrentVV(dir, path string) (map[string]uint64, bool) {
	rec, err := o.store.Get(dir, path)
	if err != nil || rec == nil {
		return nil, false
	}
	return rec.VV, true
}

// OnTransferReceived implements protocol.Handler. The Session has already
// staged and hash-verified the bytes (and renamed them into place) by the
// time this is called; the Entry Manager just needs to record that the
// content now matches what was announced.
func (o *Orchestrator) OnTransferReceived(s *protocol.Session, ann model.Announcement, commit bool) {
	if !commit {
		o.logger.Warn("transfer discarded", zap.String("dir", ann.Dir), zap.String("path", ann.Path))
		return
	}

	o.suppressPath(ann.Dir, ann.Path)

	if _, err := o.mgr.ApplyRemote(ann); err != nil {
		o.logger.Warn("transfer: record apply failed", zap.Error(err))
	}
	o.bus.Publish(model.EntryUpdated{Dir: ann.Dir, Path: ann.Path})

	if err := s.SendAck(ann.Dir, ann.Path, ann.VV); err != nil {
		o.logger.Debug("send ack failed", zap.Error(err))
	}
}

// OnAck implements protocol.Handler. Synche's protocol is single-shot per
// Announce/Request/Transfer exchange, so there is no retry state to clear;
// the ack is only logged.
func (o *Orchestrator) OnAck(s *protocol.Session, dir, path string, vv map[string]uint64) {
	o.logger.Debug("ack received", zap.String("peer", s.PeerID()), zap.String("dir", dir), zap.String("path", path))
}

func hashFileQuiet(path string) (string, uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("%s is a directory", path)
	}
	return hashutil.HashFile(path)
}
