package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// peerQueueDepth bounds inbound datagrams buffered per logical connection.
const peerQueueDepth = 256

// UDPTransport carries one packet per datagram for the client role.
type UDPTransport struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool
	latency   latencyEstimate
}

// NewUDPTransport returns an unconnected datagram transport.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

// Connect resolves and dials the remote endpoint.
func (t *UDPTransport) Connect(ctx context.Context, host string, port int) bool {
	if t == nil {
		return false
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return false
	}
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	return true
}

// Disconnect releases the socket; safe to call twice.
func (t *UDPTransport) Disconnect() {
	if t == nil {
		return
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes one datagram; no framing is required.
func (t *UDPTransport) Send(payload []byte) bool {
	if t == nil || len(payload) > MaxFrameBytes {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if conn == nil || !connected {
		return false
	}
	if _, err := conn.Write(payload); err != nil {
		t.Disconnect()
		return false
	}
	return true
}

// Receive reads one datagram, returning nil on timeout or closure.
func (t *UDPTransport) Receive(timeout time.Duration) []byte {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if conn == nil || !connected {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, MaxFrameBytes)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		t.Disconnect()
		return nil
	}
	return buf[:n]
}

// Connected reports whether the socket is usable.
func (t *UDPTransport) Connected() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Latency returns the smoothed round-trip estimate.
func (t *UDPTransport) Latency() time.Duration { return t.latency.value() }

// RecordLatency feeds a round-trip sample into the estimate.
func (t *UDPTransport) RecordLatency(sample time.Duration) { t.latency.record(sample) }

// UDPListener demultiplexes datagrams from many remote addresses into logical
// per-peer transports. A previously unseen remote address becomes a new peer
// on its first datagram.
type UDPListener struct {
	conn    *net.UDPConn
	mu      sync.Mutex
	peers   map[string]*udpPeer
	accepts chan Transport
	closed  chan struct{}
	once    sync.Once
}

// ListenUDP binds the datagram endpoint and begins demultiplexing.
func ListenUDP(addr string) (*UDPListener, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", resolved)
	if err != nil {
		return nil, err
	}
	l := &UDPListener{
		conn:    conn,
		peers:   make(map[string]*udpPeer),
		accepts: make(chan Transport, 16),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *UDPListener) readLoop() {
	buf := make([]byte, MaxFrameBytes)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.Close()
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		key := remote.String()
		l.mu.Lock()
		peer, known := l.peers[key]
		if !known {
			//1.- First datagram from a new address creates the logical connection.
			peer = newUDPPeer(l, remote)
			l.peers[key] = peer
		}
		l.mu.Unlock()

		if !known {
			select {
			case l.accepts <- peer:
			case <-l.closed:
				return
			}
		}
		//2.- Queue per peer; a full queue drops the oldest-style by discarding the new datagram.
		select {
		case peer.inbound <- payload:
		default:
		}
	}
}

// Accept blocks for the next new peer transport; ok is false once closed.
func (l *UDPListener) Accept() (Transport, bool) {
	select {
	case t := <-l.accepts:
		return t, true
	case <-l.closed:
		return nil, false
	}
}

// Close releases the endpoint and disconnects every known peer.
func (l *UDPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.conn.Close()
		l.mu.Lock()
		for key, peer := range l.peers {
			peer.markClosed()
			delete(l.peers, key)
		}
		l.mu.Unlock()
	})
	return err
}

// Addr reports the bound endpoint address.
func (l *UDPListener) Addr() string {
	if l == nil || l.conn == nil {
		return ""
	}
	return l.conn.LocalAddr().String()
}

func (l *UDPListener) forget(key string) {
	l.mu.Lock()
	delete(l.peers, key)
	l.mu.Unlock()
}

// udpPeer is the server-side logical connection for one remote address.
type udpPeer struct {
	listener *UDPListener
	remote   *net.UDPAddr
	inbound  chan []byte
	mu       sync.Mutex
	closed   bool
	latency  latencyEstimate
}

func newUDPPeer(listener *UDPListener, remote *net.UDPAddr) *udpPeer {
	return &udpPeer{
		listener: listener,
		remote:   remote,
		inbound:  make(chan []byte, peerQueueDepth),
	}
}

// Connect is not applicable for server-side peers.
func (p *udpPeer) Connect(context.Context, string, int) bool { return false }

// Disconnect removes the peer from the listener's demultiplex table.
func (p *udpPeer) Disconnect() {
	if p == nil {
		return
	}
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if alreadyClosed {
		return
	}
	p.listener.forget(p.remote.String())
}

func (p *udpPeer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Send writes one datagram back to the remote address.
func (p *udpPeer) Send(payload []byte) bool {
	if p == nil || len(payload) > MaxFrameBytes {
		return false
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	if _, err := p.listener.conn.WriteToUDP(payload, p.remote); err != nil {
		p.Disconnect()
		return false
	}
	return true
}

// Receive pops the next queued datagram, returning nil on timeout or closure.
func (p *udpPeer) Receive(timeout time.Duration) []byte {
	if p == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-p.inbound:
		return payload
	case <-timer.C:
		return nil
	}
}

// Connected reports whether the peer is still routable.
func (p *udpPeer) Connected() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Latency returns the smoothed round-trip estimate.
func (p *udpPeer) Latency() time.Duration { return p.latency.value() }

// RecordLatency feeds a round-trip sample into the estimate.
func (p *udpPeer) RecordLatency(sample time.Duration) { p.latency.record(sample) }
