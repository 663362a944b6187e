package orchestrator

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote implements protocol.Handler and protocol.DirResolver for the
// peer connecting in from outside, recording every Announce it receives so
// the initial-reconciliation batch built by Orchestrator.OnHello can be
// inspected.
type fakeRemote struct {
	mu        sync.Mutex
	announces []model.Announcement
	helloCh   chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{helloCh: make(chan struct{}, 1)}
}

func (f *fakeRemote) OnHello(s *protocol.Session, peerID string, directories []string) {
	f.helloCh <- struct{}{}
}
func (f *fakeRemote) OnAnnounce(s *protocol.Session, ann model.Announcement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, ann)
}
func (f *fakeRemote) OnRequest(s *protocol.Session, dir, path string, expectedVV map[string]uint64) {
}
func (f *fakeRemote) CurrentVV(dir, path string) (map[string]uint64, bool) { return nil, false }
func (f *fakeRemote) OnTransferReceived(s *protocol.Session, ann model.Announcement, commit bool) {}
func (f *fakeRemote) OnAck(s *protocol.Session, dir, path string, vv map[string]uint64)            {}

func (f *fakeRemote) ResolveDir(name string) (string, bool) { return "", false }

func connectedTestPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var serverConn net.Conn
	accepted := make(chan struct{})
	go func() {
		serverConn, _ = ln.Accept()
		close(accepted)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted
	return clientConn, serverConn
}

// TestOnHelloReconciliationFiltersTombstones covers the initial-reconciliation
// rule: a newly-connected peer's batch must contain every non-tombstoned
// record, plus only the tombstones whose version vector already names that
// peer as a key.
func TestOnHelloReconciliationFiltersTombstones(t *testing.T) {
	o := newTestOrchestrator(t)
	root := t.TempDir()
	require.NoError(t, o.AddDirectory(model.SyncDirectory{Name: "docs", RootAbsPath: root}))

	require.NoError(t, o.store.Put(&model.EntryRecord{
		Dir: "docs", Path: "live.txt", Kind: model.KindFile,
		Hash: "h1", Size: 3, VV: map[string]uint64{"peer-a": 1},
	}))
	require.NoError(t, o.store.Put(&model.EntryRecord{
		Dir: "docs", Path: "known-gone.txt", Kind: model.KindFile,
		Tombstone: true, VV: map[string]uint64{"peer-a": 1, "peer-b": 2},
	}))
	require.NoError(t, o.store.Put(&model.EntryRecord{
		Dir: "docs", Path: "never-seen-gone.txt", Kind: model.KindFile,
		Tombstone: true, VV: map[string]uint64{"peer-a": 1, "peer-c": 1},
	}))

	clientConn, serverConn := connectedTestPair(t)
	remote := newFakeRemote()

	sServer, err := protocol.NewSession(serverConn, "peer-a", []string{"docs"}, o, o, nil)
	require.NoError(t, err)
	defer sServer.Close()

	sClient, err := protocol.NewSession(clientConn, "peer-b", []string{"docs"}, dirResolverStub{root}, remote, nil)
	require.NoError(t, err)
	defer sClient.Close()

	<-remote.helloCh

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.announces) == 2
	}, 2*time.Second, 10*time.Millisecond)

	remote.mu.Lock()
	defer remote.mu.Unlock()

	var paths []string
	for _, a := range remote.announces {
		paths = append(paths, a.Path)
	}
	assert.ElementsMatch(t, []string{"live.txt", "known-gone.txt"}, paths)
}

type dirResolverStub struct{ root string }

func (d dirResolverStub) ResolveDir(name string) (string, bool) {
	if name == "docs" {
		return d.root, true
	}
	return "", false
}
