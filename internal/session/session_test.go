package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"termarena/server/internal/connection"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func listenerPort(t *testing.T, addr string) int {
	t.Helper()
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split listener addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse listener port %q: %v", portText, err)
	}
	return port
}

func startTCPServer(t *testing.T) (*Server, *connection.Manager, int) {
	t.Helper()
	logger := logging.NewTestLogger()
	conns := connection.NewManager(logger)
	server := NewServer(conns, logger)
	listener, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	server.AddListener(listener)
	server.Start()
	t.Cleanup(server.Stop)
	return server, conns, listenerPort(t, listener.Addr())
}

func TestClientConnectsAndSendsInput(t *testing.T) {
	_, serverConns, port := startTCPServer(t)

	var mu sync.Mutex
	var received []*protocol.InputPayload
	serverConns.RegisterHandler(protocol.TypePlayerInput, func(packet *protocol.Packet, _ string) {
		payload, err := protocol.ParseInput(packet)
		if err != nil {
			return
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	})

	clientConns := connection.NewManager(logging.NewTestLogger())
	client := NewClient("p1", clientConns, logging.NewTestLogger())
	defer client.Close()
	if err := client.Connect(context.Background(), transport.NewTCPTransport(), "127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !client.SendInput(1, 0, []string{"fire"}) {
		t.Fatalf("send input failed")
	}
	if !client.SendInput(0, 1, nil) {
		t.Fatalf("send input failed")
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	//1.- Input sequences count up from one, independent of packet sequences.
	if received[0].Sequence != 1 || received[1].Sequence != 2 {
		t.Fatalf("input sequences = %d,%d want 1,2", received[0].Sequence, received[1].Sequence)
	}
	if received[0].MoveX != 1 || received[1].MoveY != 1 {
		t.Fatalf("payloads corrupted: %+v %+v", received[0], received[1])
	}
}

func TestClientPingLoopMeasuresLatency(t *testing.T) {
	_, serverConns, port := startTCPServer(t)

	serverConns.RegisterHandler(protocol.TypePing, func(packet *protocol.Packet, connID string) {
		payload, err := protocol.ParsePing(packet)
		if err != nil {
			return
		}
		pong := protocol.New(protocol.TypePong)
		pong.Data["ping_id"] = payload.PingID
		pong.Data["sent_at"] = payload.SentAtSec
		serverConns.Send(pong, connID)
	})

	clientConns := connection.NewManager(logging.NewTestLogger())
	client := NewClient("p1", clientConns, logging.NewTestLogger(), WithPingInterval(20*time.Millisecond))
	defer client.Close()
	if err := client.Connect(context.Background(), transport.NewTCPTransport(), "127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return client.Latency() > 0 })
}

func TestClientConnectFailure(t *testing.T) {
	clientConns := connection.NewManager(logging.NewTestLogger())
	client := NewClient("p1", clientConns, logging.NewTestLogger())
	err := client.Connect(context.Background(), transport.NewTCPTransport(), "127.0.0.1", 1)
	if err == nil {
		t.Fatalf("expected connection failure against closed port")
	}
}

func TestServerBroadcastReachesClients(t *testing.T) {
	server, serverConns, port := startTCPServer(t)

	newClient := func(id string) (*Client, *connection.Manager) {
		conns := connection.NewManager(logging.NewTestLogger())
		client := NewClient(id, conns, logging.NewTestLogger())
		if err := client.Connect(context.Background(), transport.NewTCPTransport(), "127.0.0.1", port); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		t.Cleanup(client.Close)
		return client, conns
	}
	_, connsA := newClient("a")
	_, connsB := newClient("b")

	waitFor(t, 2*time.Second, func() bool { return serverConns.Count() == 2 })

	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) connection.Handler {
		return func(*protocol.Packet, string) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}
	}
	connsA.RegisterHandler(protocol.TypeLobbyUpdate, record("a"))
	connsB.RegisterHandler(protocol.TypeLobbyUpdate, record("b"))

	packet := protocol.New(protocol.TypeLobbyUpdate)
	packet.Data["room_id"] = "lobby-1"
	results := server.Broadcast(packet)
	if len(results) != 2 {
		t.Fatalf("broadcast hit %d connections, want 2", len(results))
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] == 1 && got["b"] == 1
	})

	stats := server.Stats()
	if stats.Connections != 2 || stats.Listeners != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
