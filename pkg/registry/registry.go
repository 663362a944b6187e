// Package registry tracks connected peers in a map guarded by a single
// mutex, consuming discovery events and dialing the sync transport on
// PeerUp. Reconnects use exponential backoff with jitter, adapted from a
// per-RPC retry helper into a per-peer reconnect loop.
package registry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/model"
	"go.uber.org/zap"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// Dialer opens a transport-level session to a peer address. It is supplied
// by the Sync Protocol so the registry never needs to know about framing or
// message kinds.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// Session is the minimal shape the registry needs from an established
// connection: enough to know it is alive and to tear it down.
type Session interface {
	Close() error
	// Done resolves when the underlying connection is lost, so the registry
	// can re-enter its dial loop.
	Done() <-chan struct{}
}

type peerEntry struct {
	id       string
	addr     string
	hostname string
	session  Session
	lastSeen time.Time
	cancel   context.CancelFunc
}

// Registry maintains the live set of connected and reconnecting peers.
type Registry struct {
	dialer Dialer
	bus    *eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*peerEntry
}

// New builds a Registry that dials through dialer and announces connect/
// disconnect transitions on bus.
func New(dialer Dialer, bus *eventbus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{dialer: dialer, bus: bus, logger: logger, entries: make(map[string]*peerEntry)}
}

// PeerUp handles discovery announcing a reachable peer: it starts a dial
// loop for that peer if one is not already running.
func (r *Registry) PeerUp(id, addr, hostname string) {
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.entries[id].lastSeen = time.Now()
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &peerEntry{id: id, addr: addr, hostname: hostname, lastSeen: time.Now(), cancel: cancel}
	r.entries[id] = entry
	r.mu.Unlock()

	go r.dialLoop(ctx, entry)
}

// PeerDown handles discovery reporting a peer as gone: any active session is
// torn down and the dial loop is cancelled.
func (r *Registry) PeerDown(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	if entry.session != nil {
		entry.session.Close()
		r.bus.Publish(model.PeerDisconnected{ID: id})
	}
}

// Sessions returns a snapshot of currently connected peer ids to their
// sessions.
func (r *Registry) Sessions() map[string]Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Session, len(r.entries))
	for id, e := range r.entries {
		if e.session != nil {
			out[id] = e.session
		}
	}
	return out
}

func (r *Registry) dialLoop(ctx context.Context, entry *peerEntry) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sess, err := r.dialer.Dial(ctx, entry.addr)
		if err != nil {
			r.logger.Warn("dial peer failed", zap.String("peer_id", entry.id), zap.Error(err))
			delay := backoffDelay(attempt)
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		r.mu.Lock()
		entry.session = sess
		r.mu.Unlock()

		r.logger.Info("peer connected", zap.String("peer_id", entry.id), zap.String("addr", entry.addr))
		r.bus.Publish(model.PeerConnected{ID: entry.id, Addr: entry.addr, Hostname: entry.hostname})

		select {
		case <-sess.Done():
			r.mu.Lock()
			entry.session = nil
			r.mu.Unlock()
			r.bus.Publish(model.PeerDisconnected{ID: entry.id})
			r.logger.Info("peer session closed, reconnecting", zap.String("peer_id", entry.id))
		case <-ctx.Done():
			sess.Close()
			return
		}
	}
}

// backoffDelay computes an exponential backoff with jitter capped at
// maxBackoff, resetting to baseBackoff whenever a connection attempt
// eventually succeeds (the caller resets attempt to 0 on success).
func backoffDelay(attempt int) time.Duration {
	delay := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	jitter := rand.Float64() * float64(baseBackoff)
	return time.Duration(delay + jitter)
}
