package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"termarena/server/internal/connection"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/transport"
)

// ServerStats summarises the accept side for lobby queries.
type ServerStats struct {
	Connections int `json:"connections"`
	Listeners   int `json:"listeners"`
	Pending     int `json:"pending"`
}

// Server accepts inbound transports of any kind and registers them with the
// connection manager.
type Server struct {
	log   *logging.Logger
	conns *connection.Manager

	mu        sync.Mutex
	listeners []transport.Listener

	nextConn  atomic.Uint64
	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
}

// NewServer builds the accept-side session wrapper.
func NewServer(conns *connection.Manager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	return &Server{log: logger, conns: conns}
}

// AddListener attaches a transport listener. Listeners added after Start
// begin accepting immediately.
func (s *Server) AddListener(listener transport.Listener) {
	if s == nil || listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	started := s.started
	s.mu.Unlock()
	if started {
		s.wg.Add(1)
		go s.acceptLoop(listener)
	}
}

// Start begins accepting on every attached listener.
func (s *Server) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	listeners := append([]transport.Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.conns.Start()
	for _, listener := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(listener)
	}
}

// Stop closes all listeners and waits for the accept loops to drain. The
// connection manager is stopped last so in-flight disconnects still log.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		listeners := append([]transport.Listener(nil), s.listeners...)
		s.mu.Unlock()
		for _, listener := range listeners {
			listener.Close()
		}
		s.wg.Wait()
		s.conns.Stop()
	})
}

// acceptLoop registers each accepted transport under a fresh connection id.
func (s *Server) acceptLoop(listener transport.Listener) {
	defer s.wg.Done()
	for {
		tr, ok := listener.Accept()
		if !ok {
			return
		}
		id := fmt.Sprintf("conn-%d", s.nextConn.Add(1))
		s.conns.Register(id, tr)
		s.log.Info("accepted connection",
			logging.String("conn_id", id),
			logging.String("listener", listener.Addr()))
	}
}

// Broadcast forwards the packet to every managed connection.
func (s *Server) Broadcast(packet *protocol.Packet, exclude ...string) map[string]bool {
	return s.conns.Broadcast(packet, exclude...)
}

// Send forwards the packet to one managed connection.
func (s *Server) Send(packet *protocol.Packet, connID string) bool {
	return s.conns.Send(packet, connID)
}

// Manager exposes the underlying connection manager for handler wiring.
func (s *Server) Manager() *connection.Manager {
	return s.conns
}

// Stats reports connection and listener counts.
func (s *Server) Stats() ServerStats {
	if s == nil {
		return ServerStats{}
	}
	s.mu.Lock()
	listeners := len(s.listeners)
	s.mu.Unlock()
	return ServerStats{
		Connections: s.conns.Count(),
		Listeners:   listeners,
		Pending:     s.conns.PendingCount(),
	}
}
