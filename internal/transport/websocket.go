package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsQueueDepth bounds inbound frames buffered per WebSocket connection.
const wsQueueDepth = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSTransport carries packets as binary WebSocket messages. Reads are pumped
// into a buffered queue by a dedicated goroutine so Receive can observe short
// timeouts without poisoning the underlying connection.
type WSTransport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	inbound   chan []byte
	done      chan struct{}
	latency   latencyEstimate
}

// NewWSTransport returns an unconnected WebSocket transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		inbound: make(chan []byte, wsQueueDepth),
		done:    make(chan struct{}),
	}
}

// newWSTransportConn wraps an accepted server-side connection.
func newWSTransportConn(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:      conn,
		connected: true,
		inbound:   make(chan []byte, wsQueueDepth),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Connect dials ws://host:port/ws and starts the read pump.
func (t *WSTransport) Connect(ctx context.Context, host string, port int) bool {
	if t == nil {
		return false
	}
	url := fmt.Sprintf("ws://%s/ws", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false
	}
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	go t.readLoop()
	return true
}

func (t *WSTransport) readLoop() {
	//1.- Snapshot the conn once; Disconnect nils the field under the lock,
	// and closing the conn is what unblocks ReadMessage below.
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Disconnect()
			return
		}
		select {
		case t.inbound <- payload:
		case <-t.done:
			return
		default:
			//1.- Drop the frame rather than stall the pump on a slow consumer.
		}
	}
}

// Disconnect closes the connection and wakes any pending Receive.
func (t *WSTransport) Disconnect() {
	if t == nil {
		return
	}
	t.mu.Lock()
	conn := t.conn
	wasConnected := t.connected
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	if !wasConnected {
		return
	}
	close(t.done)
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes one binary message; a failed write marks the transport down.
func (t *WSTransport) Send(payload []byte) bool {
	if t == nil || len(payload) > MaxFrameBytes {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.connected {
		return false
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		conn := t.conn
		t.conn = nil
		t.connected = false
		close(t.done)
		_ = conn.Close()
		return false
	}
	return true
}

// Receive pops the next pumped frame, returning nil on timeout or closure.
func (t *WSTransport) Receive(timeout time.Duration) []byte {
	if t == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-t.inbound:
		return payload
	case <-t.done:
		return nil
	case <-timer.C:
		return nil
	}
}

// Connected reports whether the connection is usable.
func (t *WSTransport) Connected() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Latency returns the smoothed round-trip estimate.
func (t *WSTransport) Latency() time.Duration { return t.latency.value() }

// RecordLatency feeds a round-trip sample into the estimate.
func (t *WSTransport) RecordLatency(sample time.Duration) { t.latency.record(sample) }

// WSListener upgrades inbound HTTP requests at /ws into peer transports.
type WSListener struct {
	server   *http.Server
	listener net.Listener
	accepts  chan Transport
	closed   chan struct{}
	once     sync.Once
}

// ListenWS binds the WebSocket endpoint and begins accepting peers.
func ListenWS(addr string) (*WSListener, error) {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{
		listener: inner,
		accepts:  make(chan Transport, 16),
		closed:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.serveWS)
	l.server = &http.Server{Handler: mux}
	go func() {
		_ = l.server.Serve(inner)
	}()
	return l, nil
}

func (l *WSListener) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accepts <- newWSTransportConn(conn):
	case <-l.closed:
		_ = conn.Close()
	}
}

// Accept blocks for the next peer transport; ok is false once closed.
func (l *WSListener) Accept() (Transport, bool) {
	select {
	case t := <-l.accepts:
		return t, true
	case <-l.closed:
		return nil, false
	}
}

// Close stops accepting and releases the endpoint.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

// Addr reports the bound endpoint address.
func (l *WSListener) Addr() string {
	if l == nil || l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}
