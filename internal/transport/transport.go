// Package transport abstracts the byte channels carrying packets between
// peers. Every implementation exposes the same capability surface so the
// connection layer stays agnostic of stream versus datagram semantics.
package transport

import (
	"context"
	"sync"
	"time"
)

// DefaultReceiveTimeout keeps blocking reads short so stop signals are
// observed promptly.
const DefaultReceiveTimeout = 100 * time.Millisecond

// MaxFrameBytes bounds a single inbound frame.
const MaxFrameBytes = 1 << 20

// Transport is one bidirectional channel to a single remote peer.
type Transport interface {
	// Connect establishes the channel; false on failure. Ordinary
	// connection-refused conditions report false rather than panicking.
	Connect(ctx context.Context, host string, port int) bool
	// Disconnect releases the underlying resource; idempotent.
	Disconnect()
	// Send writes exactly one frame; false on failure, after which the
	// transport reports not connected.
	Send(payload []byte) bool
	// Receive blocks up to timeout for one frame; nil on timeout, closed
	// connection, or no data.
	Receive(timeout time.Duration) []byte
	// Connected reports whether the channel is usable.
	Connected() bool
	// Latency returns the smoothed round-trip estimate.
	Latency() time.Duration
	// RecordLatency feeds a fresh round-trip sample into the estimate.
	RecordLatency(sample time.Duration)
}

// Listener accepts inbound peer transports for one server endpoint.
type Listener interface {
	// Accept blocks until a new peer transport arrives or the listener closes.
	Accept() (Transport, bool)
	// Close stops accepting and releases the endpoint.
	Close() error
	// Addr reports the bound endpoint address.
	Addr() string
}

// latencyEstimate maintains an exponentially weighted round-trip average.
type latencyEstimate struct {
	mu      sync.Mutex
	current time.Duration
}

const latencyAlpha = 0.2

func (l *latencyEstimate) record(sample time.Duration) {
	if sample < 0 {
		return
	}
	l.mu.Lock()
	//1.- Seed with the first sample, then blend subsequent ones.
	if l.current == 0 {
		l.current = sample
	} else {
		l.current = time.Duration(float64(l.current)*(1-latencyAlpha) + float64(sample)*latencyAlpha)
	}
	l.mu.Unlock()
}

func (l *latencyEstimate) value() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
