package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matx64/synche/pkg/ignore"
	"github.com/matx64/synche/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, ch <-chan model.WatchEvent, timeout time.Duration) model.WatchEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watch event")
		return model.WatchEvent{}
	}
}

func TestWatchEmitsCreatedForNewFile(t *testing.T) {
	root := t.TempDir()
	a := New(nil)
	out := make(chan model.WatchEvent, 8)

	stop, err := a.Watch(model.SyncDirectory{Name: "docs", RootAbsPath: root}, ignore.New(), out)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	ev := waitForEvent(t, out, 2*time.Second)
	assert.Equal(t, "docs", ev.Dir)
	assert.Equal(t, "a.txt", ev.Path)
	assert.Equal(t, model.EvCreated, ev.Kind)
}

func TestWatchIgnoresFilteredPaths(t *testing.T) {
	root := t.TempDir()
	filter := ignore.New()
	filter.SetDir("", ignore.LoadLines([]string{"*.log"}))

	a := New(nil)
	out := make(chan model.WatchEvent, 8)
	stop, err := a.Watch(model.SyncDirectory{Name: "docs", RootAbsPath: root}, filter, out)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	ev := waitForEvent(t, out, 2*time.Second)
	assert.Equal(t, "keep.txt", ev.Path)
}

func TestWatchDebouncesRapidWrites(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("initial"), 0o644))

	a := New(nil)
	out := make(chan model.WatchEvent, 8)
	stop, err := a.Watch(model.SyncDirectory{Name: "docs", RootAbsPath: root}, ignore.New(), out)
	require.NoError(t, err)
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	waitForEvent(t, out, 2*time.Second)
	select {
	case ev := <-out:
		t.Fatalf("expected writes to collapse into one event, got extra %v", ev)
	case <-time.After(DebounceWindow + 100*time.Millisecond):
	}
}
