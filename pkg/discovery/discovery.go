// Package discovery implements LAN peer discovery over UDP broadcast: a
// periodic broadcast beacon, a receive loop that tracks last-seen per
// source, and a timeout sweep that evicts silent peers.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// BroadcastInterval is how often this device announces itself.
	BroadcastInterval = 5 * time.Second
	// PeerTimeout is how long a peer may stay silent before it is
	// considered gone.
	PeerTimeout   = 15 * time.Second
	sweepInterval = 3 * time.Second
)

// beacon is the JSON payload broadcast on the wire. It carries enough for a
// receiver to dial the sender's sync protocol port directly.
type beacon struct {
	PeerID   string `json:"peer_id"`
	Hostname string `json:"hostname"`
	SyncPort int    `json:"sync_port"`
}

// PeerUp is emitted the first time a peer is observed, or after it times out
// and reappears.
type PeerUp struct {
	PeerID   string
	Addr     string // host:port dialable for the Sync Protocol
	Hostname string
}

// PeerDown is emitted when a previously-seen peer stops broadcasting for
// longer than PeerTimeout.
type PeerDown struct {
	PeerID string
}

// Service runs the broadcast beacon and the receive/timeout loops.
type Service struct {
	selfPeerID string
	hostname   string
	syncPort   int
	port       int
	logger     *zap.Logger

	conn *net.UDPConn

	mu       sync.Mutex
	lastSeen map[string]time.Time
	addrs    map[string]string

	upCh   chan PeerUp
	downCh chan PeerDown
	stopCh chan struct{}
}

// New builds a discovery Service. port is the UDP broadcast port (spec
// default 42881); syncPort is advertised so other peers can dial this
// device's Sync Protocol listener directly.
func New(selfPeerID, hostname string, port, syncPort int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		selfPeerID: selfPeerID,
		hostname:   hostname,
		syncPort:   syncPort,
		port:       port,
		logger:     logger,
		lastSeen:   make(map[string]time.Time),
		addrs:      make(map[string]string),
		upCh:       make(chan PeerUp, 32),
		downCh:     make(chan PeerDown, 32),
		stopCh:     make(chan struct{}),
	}
}

// Up returns the channel of PeerUp events.
func (s *Service) Up() <-chan PeerUp { return s.upCh }

// Down returns the channel of PeerDown events.
func (s *Service) Down() <-chan PeerDown { return s.downCh }

// Start binds the UDP socket and launches the send/receive/sweep loops. It
// returns a stop function.
func (s *Service) Start() (func(), error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen on :%d: %w", s.port, err)
	}
	s.conn = conn

	go s.sendLoop()
	go s.recvLoop()
	go s.sweepLoop()

	return func() {
		close(s.stopCh)
		conn.Close()
	}, nil
}

func (s *Service) sendLoop() {
	payload, err := json.Marshal(beacon{PeerID: s.selfPeerID, Hostname: s.hostname, SyncPort: s.syncPort})
	if err != nil {
		s.logger.Error("encode beacon", zap.Error(err))
		return
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: s.port}
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	s.beacon(broadcastAddr, payload)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beacon(broadcastAddr, payload)
		}
	}
}

func (s *Service) beacon(addr *net.UDPAddr, payload []byte) {
	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		s.logger.Warn("send presence beacon failed", zap.Error(err))
	}
}

func (s *Service) recvLoop() {
	buf := make([]byte, 512)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("discovery read error", zap.Error(err))
				continue
			}
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue // ignore malformed / foreign broadcast traffic on this port
		}
		if b.PeerID == "" || b.PeerID == s.selfPeerID {
			continue
		}

		dialAddr := fmt.Sprintf("%s:%d", src.IP.String(), b.SyncPort)

		s.mu.Lock()
		_, known := s.lastSeen[b.PeerID]
		s.lastSeen[b.PeerID] = time.Now()
		s.addrs[b.PeerID] = dialAddr
		s.mu.Unlock()

		if !known {
			s.logger.Info("peer discovered", zap.String("peer_id", b.PeerID), zap.String("addr", dialAddr))
			select {
			case s.upCh <- PeerUp{PeerID: b.PeerID, Addr: dialAddr, Hostname: b.Hostname}:
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Service) evictStale() {
	now := time.Now()
	var gone []string

	s.mu.Lock()
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > PeerTimeout {
			gone = append(gone, id)
			delete(s.lastSeen, id)
			delete(s.addrs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.logger.Info("peer timed out", zap.String("peer_id", id))
		select {
		case s.downCh <- PeerDown{PeerID: id}:
		case <-s.stopCh:
			return
		}
	}
}
