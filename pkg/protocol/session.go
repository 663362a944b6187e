package protocol

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/matx64/synche/pkg/hashutil"
	"github.com/matx64/synche/pkg/model"
	"go.uber.org/zap"
)

// State is a session's position in its state machine: Opening -> Syncing ->
// Closing.
type State int

const (
	StateOpening State = iota
	StateSyncing
	StateClosing
)

// DirResolver maps a SyncDirectory name to its local absolute root, so a
// Session can compute staging/target file paths for an inbound Transfer
// without depending on the whole directory registry.
type DirResolver interface {
	ResolveDir(name string) (rootAbsPath string, ok bool)
}

// Handler receives decoded protocol events. It is expected to be
// implemented by the Orchestrator, which owns the Entry Manager and
// Metadata Store this session's decisions are checked and persisted
// through.
type Handler interface {
	OnHello(s *Session, peerID string, directories []string)
	OnAnnounce(s *Session, ann model.Announcement)
	OnRequest(s *Session, dir, path string, expectedVV map[string]uint64)
	// CurrentVV returns the local version vector for (dir,path), used by the
	// Transfer receipt logic to detect a local record that has already
	// advanced past the incoming transfer.
	CurrentVV(dir, path string) (vv map[string]uint64, exists bool)
	// OnTransferReceived is invoked after a Transfer's bytes have been
	// staged and hash-verified (or rejected). commit is false when the
	// transfer was discarded; no record should change in that case.
	OnTransferReceived(s *Session, ann model.Announcement, commit bool)
	OnAck(s *Session, dir, path string, vv map[string]uint64)
}

// Session is one full-duplex connection to a peer.
type Session struct {
	conn     net.Conn
	selfID   string
	peerID   string
	resolver DirResolver
	handler  Handler
	logger   *zap.Logger

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	done chan struct{}
}

// NewSession wraps an already-established conn, sends the local Hello, and
// starts the read loop in the background. directories is the set of
// SyncDirectory names this device currently tracks.
func NewSession(conn net.Conn, selfID string, directories []string, resolver DirResolver, handler Handler, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		conn:     conn,
		selfID:   selfID,
		resolver: resolver,
		handler:  handler,
		logger:   logger,
		state:    StateOpening,
		done:     make(chan struct{}),
	}

	if err := s.send(KindHello, HelloPayload{PeerID: selfID, Directories: directories}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: send hello: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// PeerID returns the remote peer's id, populated once Hello is received.
func (s *Session) PeerID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.peerID
}

// State returns the session's current state machine position.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done resolves once the session has closed, satisfying registry.Session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the underlying connection.
func (s *Session) Close() error {
	s.transitionClosing()
	return s.conn.Close()
}

func (s *Session) transitionClosing() {
	s.stateMu.Lock()
	alreadyClosing := s.state == StateClosing
	s.state = StateClosing
	s.stateMu.Unlock()

	if !alreadyClosing {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

func (s *Session) send(kind Kind, payload interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, kind, payload)
}

// SendAnnounce emits an Announce for a locally-Updated entry.
func (s *Session) SendAnnounce(ann model.Announcement) error {
	return s.send(KindAnnounce, announceFromModel(ann))
}

// SendAnnounceBatch emits the initial-reconciliation batch after Hello.
func (s *Session) SendAnnounceBatch(anns []model.Announcement) error {
	payload := AnnounceBatchPayload{Announces: make([]AnnouncePayload, len(anns))}
	for i, a := range anns {
		payload.Announces[i] = announceFromModel(a)
	}
	return s.send(KindAnnounceBatch, payload)
}

// SendRequest asks the peer to Transfer the current bytes for (dir, path).
func (s *Session) SendRequest(dir, path string, expectedVV map[string]uint64) error {
	return s.send(KindRequest, RequestPayload{Dir: dir, Path: path, ExpectedVV: expectedVV})
}

// SendTransfer writes the Transfer header then streams exactly size bytes
// read from content. The caller is responsible for content containing
// exactly size bytes.
func (s *Session) SendTransfer(dir, path string, vv map[string]uint64, hash string, size uint64, content *os.File) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := TransferHeaderPayload{Dir: dir, Path: path, VV: vv, Hash: hash, Size: size}
	if err := writeFrame(s.conn, KindTransfer, header); err != nil {
		return fmt.Errorf("send transfer header: %w", err)
	}

	written, err := io.CopyN(s.conn, content, int64(size))
	if err != nil {
		return fmt.Errorf("stream transfer bytes: %w", err)
	}
	if uint64(written) != size {
		return fmt.Errorf("stream transfer bytes: wrote %d, expected %d", written, size)
	}
	return nil
}

// SendAck confirms a Transfer was applied.
func (s *Session) SendAck(dir, path string, vv map[string]uint64) error {
	return s.send(KindAck, AckPayload{Dir: dir, Path: path, VV: vv})
}

func (s *Session) readLoop() {
	defer s.transitionClosing()
	defer s.conn.Close()

	for {
		kind, raw, err := readFrame(s.conn)
		if err != nil {
			if s.State() != StateClosing {
				s.logger.Debug("session read ended", zap.Error(err))
			}
			return
		}

		if err := s.dispatch(kind, raw); err != nil {
			s.logger.Warn("session dispatch error", zap.String("kind", kind.String()), zap.Error(err))
			return
		}
	}
}

func (s *Session) dispatch(kind Kind, raw []byte) error {
	switch kind {
	case KindHello:
		p, err := decodePayload[HelloPayload](raw)
		if err != nil {
			return err
		}
		s.stateMu.Lock()
		s.peerID = p.PeerID
		s.state = StateSyncing
		s.stateMu.Unlock()
		s.handler.OnHello(s, p.PeerID, p.Directories)
		return nil

	case KindAnnounce:
		p, err := decodePayload[AnnouncePayload](raw)
		if err != nil {
			return err
		}
		s.handler.OnAnnounce(s, announceToModel(p))
		return nil

	case KindAnnounceBatch:
		p, err := decodePayload[AnnounceBatchPayload](raw)
		if err != nil {
			return err
		}
		for _, a := range p.Announces {
			s.handler.OnAnnounce(s, announceToModel(a))
		}
		return nil

	case KindRequest:
		p, err := decodePayload[RequestPayload](raw)
		if err != nil {
			return err
		}
		s.handler.OnRequest(s, p.Dir, p.Path, p.ExpectedVV)
		return nil

	case KindTransfer:
		p, err := decodePayload[TransferHeaderPayload](raw)
		if err != nil {
			return err
		}
		return s.receiveTransfer(p)

	case KindAck:
		p, err := decodePayload[AckPayload](raw)
		if err != nil {
			return err
		}
		s.handler.OnAck(s, p.Dir, p.Path, p.VV)
		return nil

	default:
		return fmt.Errorf("unknown message kind %d", kind)
	}
}

// receiveTransfer stages incoming bytes to a sibling temp file while
// hashing, then verifies hash and vv freshness before an atomic rename
// commits the bytes.
func (s *Session) receiveTransfer(header TransferHeaderPayload) error {
	root, ok := s.resolver.ResolveDir(header.Dir)
	if !ok {
		// Unknown directory: drain the announced bytes so the stream stays
		// framed correctly, but the transfer is otherwise discarded.
		_, err := io.CopyN(io.Discard, s.conn, int64(header.Size))
		return err
	}

	targetAbs := filepath.Join(root, filepath.FromSlash(header.Path))
	stagingAbs := targetAbs + ".synche-tmp-" + uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(stagingAbs), 0o755); err != nil {
		io.CopyN(io.Discard, s.conn, int64(header.Size))
		return fmt.Errorf("prepare staging dir: %w", err)
	}

	stage, err := os.OpenFile(stagingAbs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		io.CopyN(io.Discard, s.conn, int64(header.Size))
		return fmt.Errorf("create staging file: %w", err)
	}

	hw := hashutil.NewHashingWriter(stage)
	written, copyErr := io.CopyN(hw, s.conn, int64(header.Size))
	stage.Close()
	if copyErr != nil || uint64(written) != header.Size {
		os.Remove(stagingAbs)
		if copyErr != nil {
			return fmt.Errorf("receive transfer bytes: %w", copyErr)
		}
		return fmt.Errorf("receive transfer bytes: got %d, expected %d", written, header.Size)
	}

	ann := model.Announcement{
		Dir: header.Dir, Path: header.Path, Kind: model.KindFile,
		VV: header.VV, Hash: header.Hash, Size: header.Size,
	}

	gotHash, _ := hw.Sum()
	if gotHash != header.Hash {
		os.Remove(stagingAbs)
		s.logger.Warn("transfer hash mismatch", zap.String("dir", header.Dir), zap.String("path", header.Path))
		s.handler.OnTransferReceived(s, ann, false)
		return nil
	}

	if localVV, exists := s.handler.CurrentVV(header.Dir, header.Path); exists {
		if _, statErr := os.Stat(targetAbs); statErr == nil {
			if hasAdvancedPast(localVV, header.VV) {
				os.Remove(stagingAbs)
				s.handler.OnTransferReceived(s, ann, false)
				return nil
			}
		}
	}

	if err := os.Rename(stagingAbs, targetAbs); err != nil {
		os.Remove(stagingAbs)
		return fmt.Errorf("commit staged transfer: %w", err)
	}

	s.handler.OnTransferReceived(s, ann, true)
	return nil
}

// hasAdvancedPast reports whether local strictly dominates remote,
// meaning the local side already has every increment remote is offering
// and then some.
func hasAdvancedPast(local, remote map[string]uint64) bool {
	strictlyAhead := false
	for k, v := range local {
		if v < remote[k] {
			return false
		}
		if v > remote[k] {
			strictlyAhead = true
		}
	}
	for k, v := range remote {
		if _, ok := local[k]; !ok && v > 0 {
			return false
		}
	}
	return strictlyAhead
}
