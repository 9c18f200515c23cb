package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// TCPTransport frames packets over a reliable ordered stream using a 4-byte
// big-endian length prefix.
type TCPTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	connected bool
	latency   latencyEstimate
}

// NewTCPTransport returns an unconnected stream transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// newTCPTransportConn wraps an already established connection, as produced by
// the server accept loop.
func newTCPTransportConn(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, connected: conn != nil}
}

// Connect dials the remote endpoint; false on ordinary connection failures.
func (t *TCPTransport) Connect(ctx context.Context, host string, port int) bool {
	if t == nil {
		return false
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	return true
}

// Disconnect closes the stream; safe to call twice.
func (t *TCPTransport) Disconnect() {
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

// Send writes one length-prefixed frame; a failed write marks the transport
// disconnected.
func (t *TCPTransport) Send(payload []byte) bool {
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
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		t.Disconnect()
		return false
	}
	return true
}

// Receive reads exactly one frame, returning nil on timeout or closure.
func (t *TCPTransport) Receive(timeout time.Duration) []byte {
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

	var header [4]byte
	if n, err := io.ReadFull(conn, header[:]); err != nil {
		//1.- A clean timeout with zero bytes read is "no data"; anything else
		// leaves the stream unsynchronised and the transport must go down.
		if n == 0 && isTimeout(err) {
			return nil
		}
		t.Disconnect()
		return nil
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameBytes {
		t.Disconnect()
		return nil
	}
	payload := make([]byte, length)
	//2.- The body follows the header immediately; a timeout here means a
	// truncated frame, so the stream cannot be resynchronised.
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Disconnect()
		return nil
	}
	return payload
}

// Connected reports whether the stream is usable.
func (t *TCPTransport) Connected() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Latency returns the smoothed round-trip estimate.
func (t *TCPTransport) Latency() time.Duration { return t.latency.value() }

// RecordLatency feeds a round-trip sample into the estimate.
func (t *TCPTransport) RecordLatency(sample time.Duration) { t.latency.record(sample) }

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// TCPListener accepts stream transports for the server role.
type TCPListener struct {
	listener net.Listener
	accepts  chan Transport
	closed   chan struct{}
	once     sync.Once
}

// ListenTCP binds the stream endpoint and begins accepting peers.
func ListenTCP(addr string) (*TCPListener, error) {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &TCPListener{
		listener: inner,
		accepts:  make(chan Transport, 16),
		closed:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			//1.- Listener closure surfaces as an accept error; stop quietly.
			l.Close()
			return
		}
		select {
		case l.accepts <- newTCPTransportConn(conn):
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}

// Accept blocks for the next peer transport; ok is false once closed.
func (l *TCPListener) Accept() (Transport, bool) {
	select {
	case t := <-l.accepts:
		return t, true
	case <-l.closed:
		return nil, false
	}
}

// Close stops accepting and releases the endpoint.
func (l *TCPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.listener.Close()
	})
	return err
}

// Addr reports the bound endpoint address.
func (l *TCPListener) Addr() string {
	if l == nil || l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}
