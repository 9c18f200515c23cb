package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
)

// memTransport is an in-memory transport pair used to drive the manager
// deterministically in tests.
type memTransport struct {
	inbound chan []byte
	peer    *memTransport

	mu        sync.Mutex
	connected bool
	latency   time.Duration
}

func newMemPair() (*memTransport, *memTransport) {
	a := &memTransport{inbound: make(chan []byte, 64), connected: true}
	b := &memTransport{inbound: make(chan []byte, 64), connected: true}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *memTransport) Connect(context.Context, string, int) bool { return false }

func (t *memTransport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *memTransport) Send(payload []byte) bool {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return false
	}
	clone := append([]byte(nil), payload...)
	select {
	case t.peer.inbound <- clone:
		return true
	default:
		return false
	}
}

func (t *memTransport) Receive(timeout time.Duration) []byte {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-t.inbound:
		return payload
	case <-timer.C:
		return nil
	}
}

func (t *memTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *memTransport) Latency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latency
}

func (t *memTransport) RecordLatency(sample time.Duration) {
	t.mu.Lock()
	t.latency = sample
	t.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendAssignsMonotonicSequences(t *testing.T) {
	server, _ := newMemPair()
	m := NewManager(logging.NewTestLogger())
	defer m.Stop()
	id := m.Register("c1", server)

	first := protocol.New(protocol.TypePing)
	second := protocol.New(protocol.TypePing)
	if !m.Send(first, id) || !m.Send(second, id) {
		t.Fatalf("sends failed")
	}
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", first.Sequence, second.Sequence)
	}
}

func TestBroadcastTracksEachConnectionSeparately(t *testing.T) {
	serverA, clientA := newMemPair()
	serverB, clientB := newMemPair()
	m := NewManager(logging.NewTestLogger())
	defer m.Stop()
	idA := m.Register("c1", serverA)
	idB := m.Register("c2", serverB)

	packet := protocol.New(protocol.TypeChatMessage)
	packet.RequiresAck = true
	results := m.Broadcast(packet)
	if !results[idA] || !results[idB] {
		t.Fatalf("broadcast results = %v", results)
	}

	codec := protocol.NewCodec()
	decode := func(tr *memTransport) *protocol.Packet {
		t.Helper()
		raw := tr.Receive(time.Second)
		if raw == nil {
			t.Fatalf("no frame delivered")
		}
		decoded, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return decoded
	}
	first := decode(clientA)
	second := decode(clientB)

	//1.- Each clone carries its own identity and pending-table entry.
	if first.ID == second.ID {
		t.Fatalf("broadcast clones share packet id %q", first.ID)
	}
	if m.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", m.PendingCount())
	}

	//2.- One connection's ack must not clear the other's delivery.
	m.consumeAck(protocol.NewAck(first))
	if m.HasPending(first.ID) {
		t.Fatalf("acked delivery still pending")
	}
	if !m.HasPending(second.ID) {
		t.Fatalf("ack for one connection cleared the other's entry")
	}
}

func TestAckRoundTripClearsPendingOnce(t *testing.T) {
	server, client := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()
	id := m.Register("c1", server)

	packet := protocol.New(protocol.TypeGameState)
	packet.RequiresAck = true
	if !m.Send(packet, id) {
		t.Fatalf("send failed")
	}
	if !m.HasPending(packet.ID) {
		t.Fatalf("reliable packet should be pending")
	}

	codec := protocol.NewCodec()
	ack := protocol.NewAck(packet)
	raw, err := codec.Encode(ack)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	if !client.Send(raw) {
		t.Fatalf("client send failed")
	}

	waitFor(t, "pending entry removal", func() bool { return !m.HasPending(packet.ID) })

	//1.- A duplicate ack for the already removed id must be a no-op.
	if !client.Send(raw) {
		t.Fatalf("duplicate ack send failed")
	}
	time.Sleep(50 * time.Millisecond)
	if m.PendingCount() != 0 {
		t.Fatalf("duplicate ack should not repopulate the table")
	}
}

func TestSweepDropsExpiredPendingWithoutRetry(t *testing.T) {
	server, client := newMemPair()
	now := time.Now()
	var nowMu sync.Mutex
	clock := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	m := NewManager(logging.NewTestLogger(), WithClock(clock), WithAckTimeout(5*time.Second))
	defer m.Stop()
	id := m.Register("c1", server)

	packet := protocol.New(protocol.TypeGameState)
	packet.RequiresAck = true
	if !m.Send(packet, id) {
		t.Fatalf("send failed")
	}
	<-client.inbound // drain the delivery

	nowMu.Lock()
	now = now.Add(6 * time.Second)
	nowMu.Unlock()
	m.SweepPending()

	if m.HasPending(packet.ID) {
		t.Fatalf("expired packet should be dropped")
	}
	//1.- No retransmission: the peer queue must stay empty after the sweep.
	select {
	case raw := <-client.inbound:
		t.Fatalf("unexpected retransmission: %q", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerOrderAndFailureIsolation(t *testing.T) {
	server, client := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()
	m.Register("c1", server)

	var mu sync.Mutex
	var order []int
	m.RegisterHandler(protocol.TypeChatMessage, func(*protocol.Packet, string) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	m.RegisterHandler(protocol.TypeChatMessage, func(*protocol.Packet, string) {
		panic("handler blew up")
	})
	m.RegisterHandler(protocol.TypeChatMessage, func(*protocol.Packet, string) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	codec := protocol.NewCodec()
	chat := protocol.New(protocol.TypeChatMessage)
	chat.Data["text"] = "hello"
	raw, err := codec.Encode(chat)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !client.Send(raw) {
		t.Fatalf("client send failed")
	}

	waitFor(t, "both surviving handlers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 3 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestUnregisterHandlerStopsDispatch(t *testing.T) {
	server, client := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()
	m.Register("c1", server)

	var calls atomic.Int32
	remove := m.RegisterHandler(protocol.TypePing, func(*protocol.Packet, string) {
		calls.Add(1)
	})
	remove()
	remove() // second call is a no-op

	codec := protocol.NewCodec()
	raw, _ := codec.Encode(protocol.New(protocol.TypePing))
	client.Send(raw)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("removed handler should not run")
	}
}

func TestReceivedReliablePacketIsAutoAcked(t *testing.T) {
	server, client := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()
	m.Register("c1", server)

	codec := protocol.NewCodec()
	packet := protocol.New(protocol.TypePlayerInput)
	packet.RequiresAck = true
	packet.Data["sequence"] = 1
	raw, _ := codec.Encode(packet)
	client.Send(raw)

	waitFor(t, "auto ack", func() bool {
		select {
		case reply := <-client.inbound:
			decoded, err := codec.Decode(reply)
			if err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			return decoded.Type == protocol.TypeAck && decoded.AckedID() == packet.ID
		default:
			return false
		}
	})
}

func TestMalformedFramesAreDroppedAndLoopContinues(t *testing.T) {
	server, client := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()
	m.Register("c1", server)

	var calls atomic.Int32
	m.RegisterHandler(protocol.TypePing, func(*protocol.Packet, string) {
		calls.Add(1)
	})

	client.Send([]byte("{broken"))
	codec := protocol.NewCodec()
	raw, _ := codec.Encode(protocol.New(protocol.TypePing))
	client.Send(raw)

	waitFor(t, "valid packet after garbage", func() bool { return calls.Load() == 1 })
}

func TestBroadcastSkipsExcludedConnections(t *testing.T) {
	serverA, _ := newMemPair()
	serverB, _ := newMemPair()
	m := NewManager(logging.NewTestLogger())
	defer m.Stop()
	m.Register("a", serverA)
	m.Register("b", serverB)

	results := m.Broadcast(protocol.New(protocol.TypeLobbyUpdate), "b")
	if len(results) != 1 {
		t.Fatalf("expected one delivery, got %v", results)
	}
	if ok, present := results["a"]; !present || !ok {
		t.Fatalf("expected successful delivery to a: %v", results)
	}
}

func TestTransportFailureRemovesConnection(t *testing.T) {
	server, _ := newMemPair()
	m := NewManager(logging.NewTestLogger(), WithReceiveTimeout(10*time.Millisecond))
	defer m.Stop()

	var gone atomic.Int32
	m.OnDisconnect(func(id string) {
		if id == "c1" {
			gone.Add(1)
		}
	})
	m.Register("c1", server)

	server.Disconnect()
	waitFor(t, "connection cleanup", func() bool { return m.Count() == 0 })
	waitFor(t, "disconnect observer", func() bool { return gone.Load() == 1 })
}
