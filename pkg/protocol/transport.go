package protocol

import (
	"context"
	"fmt"
	"net"

	"github.com/matx64/synche/pkg/registry"
	"go.uber.org/zap"
)

// Transport accepts inbound TCP connections and dials outbound ones,
// wrapping both in a Session. It implements registry.Dialer so the Peer
// Registry never needs to know about framing.
type Transport struct {
	selfID      string
	directories func() []string
	resolver    DirResolver
	handler     Handler
	logger      *zap.Logger

	listener net.Listener
}

// NewTransport builds a Transport. directories is called fresh on every new
// session so newly-added SyncDirectories are reflected in future Hellos.
func NewTransport(selfID string, directories func() []string, resolver DirResolver, handler Handler, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{selfID: selfID, directories: directories, resolver: resolver, handler: handler, logger: logger}
}

// Listen starts accepting inbound connections on addr (e.g. ":42882") and
// returns a stop function.
func (t *Transport) Listen(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: listen on %s: %w", addr, err)
	}
	t.listener = ln

	go t.acceptLoop(ln)

	return func() { ln.Close() }, nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := NewSession(conn, t.selfID, t.directories(), t.resolver, t.handler, t.logger); err != nil {
			t.logger.Warn("accept: session setup failed", zap.Error(err))
			conn.Close()
		}
	}
}

// Dial implements registry.Dialer: it opens a TCP connection to addr and
// wraps it in a Session, blocking until the connection succeeds or ctx is
// done.
func (t *Transport) Dial(ctx context.Context, addr string) (registry.Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sess, err := NewSession(conn, t.selfID, t.directories(), t.resolver, t.handler, t.logger)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
