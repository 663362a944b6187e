package entrymgr

import (
	"path/filepath"
	"testing"

	"github.com/matx64/synche/pkg/conflict"
	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, selfPeer string) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver := conflict.New(eventbus.New())
	return New(st, resolver, selfPeer, nil)
}

func TestObserveLocalCreatesNewRecord(t *testing.T) {
	m := newTestManager(t, "peer-a")

	dec, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, model.Updated, dec.Kind)
	assert.Equal(t, uint64(1), dec.Record.VV["peer-a"])
	assert.Nil(t, dec.LocalBefore)
}

func TestObserveLocalSameHashIsNoOp(t *testing.T) {
	m := newTestManager(t, "peer-a")

	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)

	dec, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 200)
	require.NoError(t, err)
	assert.Equal(t, model.NoOp, dec.Kind)
}

func TestObserveLocalChangedHashBumpsSelfCounter(t *testing.T) {
	m := newTestManager(t, "peer-a")

	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)

	dec, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-2", 20, 200)
	require.NoError(t, err)
	assert.Equal(t, model.Updated, dec.Kind)
	assert.Equal(t, uint64(2), dec.Record.VV["peer-a"])
	assert.Equal(t, "hash-2", dec.Record.Hash)
}

func TestMarkDeletedLocalTombstonesAndBumps(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)

	dec, err := m.MarkDeletedLocal("docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, model.Updated, dec.Kind)
	assert.True(t, dec.Record.Tombstone)
	assert.Equal(t, uint64(2), dec.Record.VV["peer-a"])
}

func TestMarkDeletedLocalAlreadyTombstonedIsNoOp(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)
	_, err = m.MarkDeletedLocal("docs", "a.txt")
	require.NoError(t, err)

	dec, err := m.MarkDeletedLocal("docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, model.NoOp, dec.Kind)
}

func TestApplyRemoteAheadOfLocalAccepts(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)

	ann := model.Announcement{
		Dir: "docs", Path: "a.txt", Kind: model.KindFile,
		Hash: "hash-2", Size: 20,
		VV: map[string]uint64{"peer-a": 1, "peer-b": 1},
	}
	dec, err := m.ApplyRemote(ann)
	require.NoError(t, err)
	assert.Equal(t, model.Updated, dec.Kind)
	assert.Equal(t, "hash-2", dec.Record.Hash)
	assert.Equal(t, uint64(1), dec.Record.VV["peer-a"])
	assert.Equal(t, uint64(1), dec.Record.VV["peer-b"])
}

func TestApplyRemoteStaleIsNoOp(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)
	_, err = m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-2", 20, 200)
	require.NoError(t, err)

	ann := model.Announcement{
		Dir: "docs", Path: "a.txt", Kind: model.KindFile,
		Hash: "hash-1", VV: map[string]uint64{"peer-a": 1},
	}
	dec, err := m.ApplyRemote(ann)
	require.NoError(t, err)
	assert.Equal(t, model.NoOp, dec.Kind)
	assert.Equal(t, "hash-2", dec.Record.Hash)
}

func TestApplyRemoteEqualVectorSameHashIsNoOp(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 10, 100)
	require.NoError(t, err)

	ann := model.Announcement{
		Dir: "docs", Path: "a.txt", Kind: model.KindFile,
		Hash: "hash-1", VV: map[string]uint64{"peer-a": 1},
	}
	dec, err := m.ApplyRemote(ann)
	require.NoError(t, err)
	assert.Equal(t, model.NoOp, dec.Kind)
}

func TestApplyRemoteConcurrentResolvesConflict(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 5, 50)
	require.NoError(t, err)
	_, err = m.ObserveLocal("docs", "a.txt", model.KindFile, "local-hash", 10, 100)
	require.NoError(t, err)

	ann := model.Announcement{
		Dir: "docs", Path: "a.txt", Kind: model.KindFile,
		Hash: "remote-hash", Size: 20,
		VV: map[string]uint64{"peer-a": 1, "peer-b": 1}, OriginPeer: "peer-b",
	}
	dec, err := m.ApplyRemote(ann)
	require.NoError(t, err)
	assert.Equal(t, model.Conflict, dec.Kind)
	require.NotNil(t, dec.Remote)
	assert.NotEqual(t, "a.txt", dec.Remote.Path)
}

func TestKeysAreIndependentUnderExclusion(t *testing.T) {
	m := newTestManager(t, "peer-a")
	_, err := m.ObserveLocal("docs", "a.txt", model.KindFile, "hash-1", 1, 1)
	require.NoError(t, err)
	_, err = m.ObserveLocal("docs", "b.txt", model.KindFile, "hash-2", 2, 2)
	require.NoError(t, err)

	a := m.lockFor(model.EntryKey{Dir: "docs", Path: "a.txt"})
	b := m.lockFor(model.EntryKey{Dir: "docs", Path: "b.txt"})
	assert.NotSame(t, a, b)
}
