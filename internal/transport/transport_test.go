package transport

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func listenPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		t.Fatalf("parse port %q: %v", portRaw, err)
	}
	return host, port
}

func TestTCPRoundTrip(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	host, port := listenPort(t, listener.Addr())

	client := NewTCPTransport()
	if !client.Connect(context.Background(), host, port) {
		t.Fatalf("connect failed")
	}
	defer client.Disconnect()

	server, ok := listener.Accept()
	if !ok {
		t.Fatalf("accept failed")
	}
	defer server.Disconnect()

	if !client.Send([]byte("hello")) {
		t.Fatalf("send failed")
	}
	frame := server.Receive(time.Second)
	if !bytes.Equal(frame, []byte("hello")) {
		t.Fatalf("unexpected frame %q", frame)
	}

	if !server.Send([]byte("world")) {
		t.Fatalf("reply failed")
	}
	if got := client.Receive(time.Second); !bytes.Equal(got, []byte("world")) {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestTCPReceiveTimeoutReturnsNil(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	host, port := listenPort(t, listener.Addr())

	client := NewTCPTransport()
	if !client.Connect(context.Background(), host, port) {
		t.Fatalf("connect failed")
	}
	defer client.Disconnect()

	if frame := client.Receive(20 * time.Millisecond); frame != nil {
		t.Fatalf("expected nil on timeout, got %q", frame)
	}
	if !client.Connected() {
		t.Fatalf("timeout must not mark the transport disconnected")
	}
}

func TestTCPConnectRefusedReturnsFalse(t *testing.T) {
	client := NewTCPTransport()
	//1.- Port 1 is essentially guaranteed to refuse on loopback.
	if client.Connect(context.Background(), "127.0.0.1", 1) {
		t.Fatalf("expected connect to fail")
	}
	if client.Connected() {
		t.Fatalf("failed connect must leave the transport disconnected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	client := NewTCPTransport()
	client.Disconnect()
	client.Disconnect()
	if client.Send([]byte("x")) {
		t.Fatalf("send on disconnected transport must fail")
	}
}

func TestUDPDemuxCreatesPeerPerAddress(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	host, port := listenPort(t, listener.Addr())

	client := NewUDPTransport()
	if !client.Connect(context.Background(), host, port) {
		t.Fatalf("connect failed")
	}
	defer client.Disconnect()

	if !client.Send([]byte("ping")) {
		t.Fatalf("send failed")
	}
	peer, ok := listener.Accept()
	if !ok {
		t.Fatalf("expected a peer for the new address")
	}
	if got := peer.Receive(time.Second); !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("unexpected datagram %q", got)
	}

	if !peer.Send([]byte("pong")) {
		t.Fatalf("peer send failed")
	}
	if got := client.Receive(time.Second); !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("unexpected reply %q", got)
	}

	//2.- A second datagram from the same address must reuse the peer.
	if !client.Send([]byte("again")) {
		t.Fatalf("second send failed")
	}
	if got := peer.Receive(time.Second); !bytes.Equal(got, []byte("again")) {
		t.Fatalf("expected reuse of the logical connection, got %q", got)
	}
}

func TestWSRoundTrip(t *testing.T) {
	listener, err := ListenWS("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	host, port := listenPort(t, listener.Addr())

	client := NewWSTransport()
	if !client.Connect(context.Background(), host, port) {
		t.Fatalf("connect failed")
	}
	defer client.Disconnect()

	server, ok := listener.Accept()
	if !ok {
		t.Fatalf("accept failed")
	}
	defer server.Disconnect()

	if !client.Send([]byte("hello")) {
		t.Fatalf("send failed")
	}
	if got := server.Receive(time.Second); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestWSDisconnectDuringTraffic(t *testing.T) {
	listener, err := ListenWS("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	host, port := listenPort(t, listener.Addr())

	client := NewWSTransport()
	if !client.Connect(context.Background(), host, port) {
		t.Fatalf("connect failed")
	}
	server, ok := listener.Accept()
	if !ok {
		t.Fatalf("accept failed")
	}
	defer server.Disconnect()

	//1.- Keep the client's read pump busy while tearing it down.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				server.Send([]byte("frame"))
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	client.Disconnect()
	close(stop)

	if client.Connected() {
		t.Fatalf("transport still connected after disconnect")
	}
	//2.- The pump must have released the queue; a drained Receive returns nil.
	deadline := time.Now().Add(time.Second)
	for {
		if got := client.Receive(20 * time.Millisecond); got == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("receive kept yielding frames after disconnect")
		}
	}
	if client.Send([]byte("x")) {
		t.Fatalf("send after disconnect must fail")
	}
}

func TestLatencyEstimateBlendsSamples(t *testing.T) {
	var estimate latencyEstimate
	estimate.record(100 * time.Millisecond)
	if got := estimate.value(); got != 100*time.Millisecond {
		t.Fatalf("first sample should seed the estimate, got %v", got)
	}
	estimate.record(200 * time.Millisecond)
	got := estimate.value()
	if got <= 100*time.Millisecond || got >= 200*time.Millisecond {
		t.Fatalf("expected blended estimate between samples, got %v", got)
	}
}
