package conflict

import (
	"testing"

	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveAgreesFromBothSides covers a case where P1 holds {P1:2}, P2
// holds {P1:1,P2:1}, and P1's dominant peer and P2's dominant peer (by
// vvector.DominantPeer's own lexicographic tie-break) are both "P1" -- so a
// resolver that compared each side's *dominant peer* would have every peer
// conclude it is the primary. Resolving from P1's perspective and from P2's
// perspective must instead agree on exactly one primary, since the
// tie-break compares the two origin peer ids directly.
func TestResolveAgreesFromBothSides(t *testing.T) {
	bus := eventbus.New()
	r := New(bus)

	p1Record := &model.EntryRecord{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "foo", Size: 3, VV: map[string]uint64{"P1": 2},
	}
	p1Announcement := model.Announcement{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "foo", Size: 3, VV: map[string]uint64{"P1": 2}, OriginPeer: "P1",
	}

	p2Record := &model.EntryRecord{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "bar", Size: 3, VV: map[string]uint64{"P1": 1, "P2": 1},
	}
	p2Announcement := model.Announcement{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "bar", Size: 3, VV: map[string]uint64{"P1": 1, "P2": 1}, OriginPeer: "P2",
	}

	fromP1, err := r.Resolve("P1", p1Record, p2Announcement)
	require.NoError(t, err)
	assert.Equal(t, "foo", fromP1.Primary.Hash, "P1 keeps its own record as primary")
	assert.True(t, fromP1.PrimaryIsLocal)

	fromP2, err := r.Resolve("P2", p2Record, p1Announcement)
	require.NoError(t, err)
	assert.Equal(t, "foo", fromP2.Primary.Hash, "P2 must agree the primary is P1's record, not its own")
	assert.False(t, fromP2.PrimaryIsLocal)
}

func TestResolvePicksLexicographicallySmallerOriginPeerAsPrimary(t *testing.T) {
	bus := eventbus.New()
	r := New(bus)

	local := &model.EntryRecord{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "local-hash", Size: 3, VV: map[string]uint64{"peer-a": 2},
	}
	remote := model.Announcement{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "remote-hash", Size: 3, VV: map[string]uint64{"peer-a": 1, "peer-b": 1}, OriginPeer: "peer-b",
	}

	outcome, err := r.Resolve("peer-a", local, remote)
	require.NoError(t, err)

	assert.Equal(t, "a.txt", outcome.Primary.Path)
	assert.Equal(t, "local-hash", outcome.Primary.Hash, "peer-a sorts before peer-b")
	assert.Equal(t, map[string]uint64{"peer-a": 2, "peer-b": 1}, outcome.Primary.VV)

	assert.Equal(t, "remote-hash", outcome.Sidecar.Hash)
	assert.Equal(t, map[string]uint64{"peer-a": 1, "peer-b": 1}, outcome.Sidecar.VV, "sidecar retains its original unmerged vector")
	assert.NotEqual(t, "a.txt", outcome.Sidecar.Path)
}

func TestResolvePicksRemoteWhenItsOriginPeerIsSmaller(t *testing.T) {
	bus := eventbus.New()
	r := New(bus)

	local := &model.EntryRecord{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "local-hash", VV: map[string]uint64{"peer-z": 5},
	}
	remote := model.Announcement{
		Dir: "proj", Path: "a.txt", Kind: model.KindFile,
		Hash: "remote-hash", VV: map[string]uint64{"peer-a": 1}, OriginPeer: "peer-a",
	}

	outcome, err := r.Resolve("peer-z", local, remote)
	require.NoError(t, err)

	assert.Equal(t, "remote-hash", outcome.Primary.Hash)
	assert.Equal(t, "local-hash", outcome.Sidecar.Hash)
}

func TestResolveEmitsConflictCreated(t *testing.T) {
	bus := eventbus.New()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	r := New(bus)

	local := &model.EntryRecord{Dir: "proj", Path: "a.txt", VV: map[string]uint64{"peer-a": 1}}
	remote := model.Announcement{Dir: "proj", Path: "a.txt", VV: map[string]uint64{"peer-b": 1}, OriginPeer: "peer-b"}

	_, err := r.Resolve("peer-a", local, remote)
	require.NoError(t, err)

	ev := <-ch
	created, ok := ev.(model.ConflictCreated)
	require.True(t, ok)
	assert.Equal(t, "proj", created.Dir)
	assert.Equal(t, "a.txt", created.Path)
	assert.NotEmpty(t, created.SidecarPath)
}

func TestSidecarPathIsDeterministic(t *testing.T) {
	vv := map[string]uint64{"peer-b": 1, "peer-a": 1}
	p1 := SidecarPath("a.txt", "peer-b12345", vv)
	p2 := SidecarPath("a.txt", "peer-b12345", vv)
	assert.Equal(t, p1, p2)
	assert.Contains(t, p1, "a.txt.sync-conflict-peer-b12-")
}

func TestResolveNilLocalErrors(t *testing.T) {
	bus := eventbus.New()
	r := New(bus)
	_, err := r.Resolve("peer-a", nil, model.Announcement{Dir: "proj", Path: "a.txt"})
	assert.Error(t, err)
}
