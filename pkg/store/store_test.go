package store

import (
	"path/filepath"
	"testing"

	"github.com/matx64/synche/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get("docs", "a.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	rec := &model.EntryRecord{
		Dir:                 "docs",
		Path:                "a.txt",
		Kind:                model.KindFile,
		VV:                  map[string]uint64{"peer-a": 3, "peer-b": 1},
		Hash:                "deadbeef",
		Size:                42,
		LastModifiedLocalNs: 123456,
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("docs", "a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Dir, got.Dir)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.VV, got.VV)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, rec.Size, got.Size)
	assert.False(t, got.Tombstone)
}

func TestPutOverwritesExistingRecord(t *testing.T) {
	s := newTestStore(t)
	rec := &model.EntryRecord{Dir: "docs", Path: "a.txt", Kind: model.KindFile, VV: map[string]uint64{"peer-a": 1}}
	require.NoError(t, s.Put(rec))

	rec.VV = map[string]uint64{"peer-a": 2}
	rec.Tombstone = true
	require.NoError(t, s.Put(rec))

	got, err := s.Get("docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.VV["peer-a"])
	assert.True(t, got.Tombstone)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "docs", Path: "a.txt", Kind: model.KindFile, VV: map[string]uint64{}}))
	require.NoError(t, s.Delete("docs", "a.txt"))

	got, err := s.Get("docs", "a.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIterateDirReturnsAllIncludingTombstones(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "docs", Path: "a.txt", Kind: model.KindFile, VV: map[string]uint64{}}))
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "docs", Path: "b.txt", Kind: model.KindFile, VV: map[string]uint64{}, Tombstone: true}))
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "other", Path: "c.txt", Kind: model.KindFile, VV: map[string]uint64{}}))

	recs, err := s.IterateDir("docs")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a.txt", recs[0].Path)
	assert.Equal(t, "b.txt", recs[1].Path)
	assert.True(t, recs[1].Tombstone)
}

func TestDirectoryNamesListsDistinctDirs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "docs", Path: "a.txt", Kind: model.KindFile, VV: map[string]uint64{}}))
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "docs", Path: "b.txt", Kind: model.KindFile, VV: map[string]uint64{}}))
	require.NoError(t, s.Put(&model.EntryRecord{Dir: "photos", Path: "c.jpg", Kind: model.KindFile, VV: map[string]uint64{}}))

	names, err := s.DirectoryNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "photos"}, names)
}

func TestIsTransientSQLiteErr(t *testing.T) {
	assert.True(t, isTransientSQLiteErr(errString("database is locked")))
	assert.True(t, isTransientSQLiteErr(errString("SQLITE_BUSY: another op in progress")))
	assert.False(t, isTransientSQLiteErr(errString("no such table: entries")))
	assert.False(t, isTransientSQLiteErr(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
