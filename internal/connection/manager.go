// Package connection owns the set of active transports, reliable-delivery
// bookkeeping, and handler dispatch for decoded packets.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/transport"
)

// Handler consumes one decoded packet from the named connection. Handlers run
// in registration order; a failing handler never blocks the others.
type Handler func(packet *protocol.Packet, connID string)

// DisconnectFunc observes a connection leaving the registry.
type DisconnectFunc func(connID string)

// Conn is one active transport session with a unique opaque identifier.
type Conn struct {
	ID          string
	Transport   transport.Transport
	ConnectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	sequence uint64
}

// nextSequence assigns the next monotonic per-connection send sequence.
func (c *Conn) nextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence++
	return c.sequence
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// LastSeen reports when the connection last produced a packet.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

type pendingAck struct {
	packet *protocol.Packet
	sentAt time.Time
}

type registration struct {
	id      uint64
	handler Handler
}

// Option customises manager construction.
type Option func(*Manager)

// WithClock overrides the time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithAckTimeout overrides how long unacknowledged packets are retained.
func WithAckTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.ackTimeout = timeout
		}
	}
}

// WithSweepInterval overrides the pending-ack sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithReceiveTimeout overrides the per-read blocking window.
func WithReceiveTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.receiveTimeout = timeout
		}
	}
}

// Manager owns connections, packet handlers, and the pending-ack table.
type Manager struct {
	log   *logging.Logger
	codec *protocol.Codec
	now   func() time.Time

	ackTimeout     time.Duration
	sweepInterval  time.Duration
	receiveTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn

	handlerMu     sync.RWMutex
	handlers      map[protocol.Type][]registration
	nextHandlerID uint64
	onDisconnect  []DisconnectFunc

	pendingMu sync.Mutex
	pending   map[string]pendingAck

	metrics *Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager constructs a manager with default reliability windows.
func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	m := &Manager{
		log:            logger,
		codec:          protocol.NewCodec(),
		now:            time.Now,
		ackTimeout:     5 * time.Second,
		sweepInterval:  time.Second,
		receiveTimeout: transport.DefaultReceiveTimeout,
		conns:          make(map[string]*Conn),
		handlers:       make(map[protocol.Type][]registration),
		pending:        make(map[string]pendingAck),
		metrics:        NewMetrics(),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start launches the pending-ack sweep loop.
func (m *Manager) Start() {
	if m == nil {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweepLoop()
	})
}

// Stop halts background loops and disconnects every connection.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	for _, id := range m.IDs() {
		m.Disconnect(id)
	}
	m.wg.Wait()
}

// ConnectClient dials a remote endpoint over the supplied transport and
// registers the resulting connection. An empty id gets a generated one.
func (m *Manager) ConnectClient(ctx context.Context, tr transport.Transport, host string, port int, id string) (string, bool) {
	if m == nil || tr == nil {
		return "", false
	}
	if !tr.Connect(ctx, host, port) {
		return "", false
	}
	return m.Register(id, tr), true
}

// Register adopts an already connected transport, assigns it an identifier,
// and starts its receive loop. Transport ownership passes to the connection.
func (m *Manager) Register(id string, tr transport.Transport) string {
	if m == nil || tr == nil {
		return ""
	}
	if id == "" {
		id = newConnID()
	}
	now := m.now()
	conn := &Conn{ID: id, Transport: tr, ConnectedAt: now, lastSeen: now}

	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.receiveLoop(conn)
	return id
}

// Disconnect closes the transport and removes the connection; safe to call
// twice for the same identifier.
func (m *Manager) Disconnect(id string) {
	if m == nil || id == "" {
		return
	}
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Transport.Disconnect()
	m.metrics.Forget(id)

	m.handlerMu.RLock()
	observers := append([]DisconnectFunc(nil), m.onDisconnect...)
	m.handlerMu.RUnlock()
	for _, observer := range observers {
		m.invokeDisconnect(observer, id)
	}
}

func (m *Manager) invokeDisconnect(observer DisconnectFunc, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("disconnect observer panicked", logging.String("conn_id", id), logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	observer(id)
}

// OnDisconnect registers an observer for connection removal.
func (m *Manager) OnDisconnect(fn DisconnectFunc) {
	if m == nil || fn == nil {
		return
	}
	m.handlerMu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.handlerMu.Unlock()
}

// RegisterHandler subscribes the handler to a packet type and returns the
// removal function. Multiple handlers per type run in registration order.
func (m *Manager) RegisterHandler(t protocol.Type, handler Handler) func() {
	if m == nil || handler == nil {
		return func() {}
	}
	m.handlerMu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[t] = append(m.handlers[t], registration{id: id, handler: handler})
	m.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlerMu.Lock()
			defer m.handlerMu.Unlock()
			regs := m.handlers[t]
			for i, reg := range regs {
				if reg.id == id {
					m.handlers[t] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

// Send assigns the next sequence number for the connection, serializes, and
// transmits the packet. Reliable packets enter the pending-ack table.
func (m *Manager) Send(packet *protocol.Packet, connID string) bool {
	if m == nil || packet == nil {
		return false
	}
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.sendOn(conn, packet)
}

func (m *Manager) sendOn(conn *Conn, packet *protocol.Packet) bool {
	packet.Sequence = conn.nextSequence()
	raw, err := m.codec.Encode(packet)
	if err != nil {
		m.log.Error("encode packet", logging.Error(err), logging.String("conn_id", conn.ID))
		return false
	}
	if packet.RequiresAck {
		//1.- Retain the packet before transmission so a fast ack cannot race the table.
		m.pendingMu.Lock()
		m.pending[packet.ID] = pendingAck{packet: packet.Clone(), sentAt: m.now()}
		m.pendingMu.Unlock()
	}
	if !conn.Transport.Send(raw) {
		m.metrics.ObserveFailure(conn.ID)
		return false
	}
	m.metrics.ObserveSend(conn.ID, len(raw))
	return true
}

// Broadcast sends the packet to every connection not excluded, returning the
// per-connection delivery outcome.
func (m *Manager) Broadcast(packet *protocol.Packet, exclude ...string) map[string]bool {
	if m == nil || packet == nil {
		return nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.conns))
	for id, conn := range m.conns {
		if _, excluded := skip[id]; excluded {
			continue
		}
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	results := make(map[string]bool, len(targets))
	for _, conn := range targets {
		//1.- Clone per connection so sequence numbers stay independent.
		clone := packet.Clone()
		//2.- Acked deliveries need their own identity so each connection's
		// ack clears only its own pending entry.
		if clone.RequiresAck {
			clone.ID = protocol.NewID()
		}
		results[conn.ID] = m.sendOn(conn, clone)
	}
	return results
}

// receiveLoop drains one connection, dispatching decoded packets in arrival
// order until the transport fails or the manager stops.
func (m *Manager) receiveLoop(conn *Conn) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		if !conn.Transport.Connected() {
			//1.- Transport failure was detected; release the connection.
			m.Disconnect(conn.ID)
			return
		}
		raw := conn.Transport.Receive(m.receiveTimeout)
		if raw == nil {
			continue
		}
		packet, err := m.codec.Decode(raw)
		if err != nil {
			//2.- Malformed packets are dropped at this boundary, never surfaced.
			m.log.Debug("dropping malformed packet", logging.Error(err), logging.String("conn_id", conn.ID))
			continue
		}
		conn.touch(m.now())

		if packet.Type == protocol.TypeAck {
			m.consumeAck(packet)
			continue
		}
		m.dispatch(packet, conn.ID)
		if packet.RequiresAck {
			//3.- Acknowledge after dispatch so the sender sees receipt exactly once.
			m.sendOn(conn, protocol.NewAck(packet))
		}
	}
}

// consumeAck clears the pending entry; a duplicate ack is a no-op.
func (m *Manager) consumeAck(ack *protocol.Packet) {
	id := ack.AckedID()
	if id == "" {
		return
	}
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

func (m *Manager) dispatch(packet *protocol.Packet, connID string) {
	m.handlerMu.RLock()
	regs := append([]registration(nil), m.handlers[packet.Type]...)
	m.handlerMu.RUnlock()
	for _, reg := range regs {
		m.invokeHandler(reg.handler, packet, connID)
	}
}

// invokeHandler isolates a single handler so one failure cannot stop the rest.
func (m *Manager) invokeHandler(handler Handler, packet *protocol.Packet, connID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("packet handler panicked",
				logging.String("packet_type", packet.Type.String()),
				logging.String("conn_id", connID),
				logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	handler(packet, connID)
}

// sweepLoop drops pending-ack packets older than the ack timeout. Expired
// packets are not retransmitted.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepPending()
		}
	}
}

// SweepPending removes expired entries from the pending-ack table.
func (m *Manager) SweepPending() {
	if m == nil {
		return
	}
	now := m.now()
	m.pendingMu.Lock()
	for id, entry := range m.pending {
		if now.Sub(entry.sentAt) > m.ackTimeout {
			delete(m.pending, id)
			m.log.Debug("dropping unacknowledged packet",
				logging.String("packet_id", id),
				logging.String("packet_type", entry.packet.Type.String()))
		}
	}
	m.pendingMu.Unlock()
}

// HasPending reports whether the packet still awaits acknowledgment.
func (m *Manager) HasPending(packetID string) bool {
	if m == nil {
		return false
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	_, ok := m.pending[packetID]
	return ok
}

// PendingCount reports the size of the pending-ack table.
func (m *Manager) PendingCount() int {
	if m == nil {
		return 0
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// Count reports the number of active connections.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IDs returns the sorted identifiers of every active connection.
func (m *Manager) IDs() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Latency reports the smoothed round-trip estimate for a connection.
func (m *Manager) Latency(id string) time.Duration {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	conn, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return conn.Transport.Latency()
}

// RecordLatency feeds a fresh round-trip sample for a connection.
func (m *Manager) RecordLatency(id string, sample time.Duration) {
	if m == nil {
		return
	}
	m.mu.RLock()
	conn, ok := m.conns[id]
	m.mu.RUnlock()
	if ok {
		conn.Transport.RecordLatency(sample)
	}
}

// Metrics exposes per-connection delivery counters.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

func newConnID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return "conn-" + hex.EncodeToString(buf[:])
}
