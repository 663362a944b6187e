// Package conflict implements deterministic primary/sidecar selection for a
// concurrent version-vector comparison: the peer ids of the two sides
// producing the conflicting record are compared directly, lexicographically
// smaller wins, so every peer resolving the same conflict independently
// reaches the same primary.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/identity"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/vvector"
)

// Outcome is the result of resolving a concurrent update. Primary keeps the
// original (dir, path) with the merged vector; Sidecar is a brand-new entry
// at SidecarRelPath carrying the losing side's original (unmerged) vector,
// so the sidecar syncs independently of the primary going forward.
type Outcome struct {
	Primary        *model.EntryRecord
	Sidecar        *model.EntryRecord
	SidecarRelPath string
	// PrimaryIsLocal reports whether Primary's bytes are already correct on
	// disk at the original path (the local side won) or still need to be
	// fetched from the peer that sent remote (the remote side won). When
	// false, the caller must first move the local file's current bytes to
	// SidecarRelPath before requesting the winning remote content.
	PrimaryIsLocal bool
}

// Resolver materializes conflict outcomes and announces them on the Event
// Bus.
type Resolver struct {
	bus *eventbus.Bus
}

// New builds a Resolver that publishes ConflictCreated events on bus.
func New(bus *eventbus.Bus) *Resolver {
	return &Resolver{bus: bus}
}

// Resolve picks a deterministic primary between local (already-stored, owned
// by selfPeer) and remote (announced by remote.OriginPeer) records for the
// same (dir, path). Both are assumed non-tombstone and concurrent under
// version vector comparison. The tie-break compares selfPeer against
// remote.OriginPeer directly rather than re-deriving a "dominant peer" from
// either side's own vector: every peer resolving the same conflict reads the
// same two peer ids off the wire, so every peer independently elects the
// same primary.
func (r *Resolver) Resolve(selfPeer string, local *model.EntryRecord, remote model.Announcement) (Outcome, error) {
	if local == nil {
		return Outcome{}, fmt.Errorf("conflict resolve %s/%s: local record is nil", remote.Dir, remote.Path)
	}

	mergedVV := vvector.Merge(local.VV, remote.VV)

	var primary, loser *model.EntryRecord
	var loserPeer string
	primaryIsLocal := selfPeer <= remote.OriginPeer

	if primaryIsLocal {
		primary = &model.EntryRecord{
			Dir: local.Dir, Path: local.Path, Kind: local.Kind,
			Hash: local.Hash, Size: local.Size, Tombstone: false,
			VV: mergedVV, LastModifiedLocalNs: local.LastModifiedLocalNs,
		}
		loser = &model.EntryRecord{
			Dir: remote.Dir, Path: remote.Path, Kind: remote.Kind,
			Hash: remote.Hash, Size: remote.Size, Tombstone: false,
			VV: remote.VV,
		}
		loserPeer = remote.OriginPeer
	} else {
		primary = &model.EntryRecord{
			Dir: remote.Dir, Path: remote.Path, Kind: remote.Kind,
			Hash: remote.Hash, Size: remote.Size, Tombstone: false,
			VV: mergedVV,
		}
		loser = &model.EntryRecord{
			Dir: local.Dir, Path: local.Path, Kind: local.Kind,
			Hash: local.Hash, Size: local.Size, Tombstone: false,
			VV: local.VV, LastModifiedLocalNs: local.LastModifiedLocalNs,
		}
		loserPeer = selfPeer
	}

	sidecarPath := SidecarPath(local.Path, loserPeer, loser.VV)
	loser.Path = sidecarPath

	r.bus.Publish(model.ConflictCreated{Dir: local.Dir, Path: local.Path, SidecarPath: sidecarPath})

	return Outcome{Primary: primary, Sidecar: loser, SidecarRelPath: sidecarPath, PrimaryIsLocal: primaryIsLocal}, nil
}

// SidecarPath computes the deterministic sidecar file name for a losing
// record: "<basename>.sync-conflict-<first8_of_peer_id>-<hex_vv_hash>" in
// the same parent directory as the original path.
func SidecarPath(originalRelPath, loserPeer string, loserVV map[string]uint64) string {
	return originalRelPath + ".sync-conflict-" + identity.Short(loserPeer) + "-" + hexVVHash(loserVV)
}

// hexVVHash returns a short, deterministic hex digest of a version vector's
// contents, order-independent because keys are sorted before hashing.
func hexVVHash(vv map[string]uint64) string {
	keys := make([]string, 0, len(vv))
	for k := range vv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s:%d;", k, vv[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
