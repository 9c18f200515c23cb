package connection

import "sync"

// Counters aggregates delivery statistics for one connection.
type Counters struct {
	Sends    uint64 `json:"sends"`
	Failures uint64 `json:"failures"`
	Bytes    int64  `json:"bytes"`
}

// Metrics tracks per-connection delivery counters for diagnostics.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]Counters
}

// NewMetrics constructs an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]Counters)}
}

// ObserveSend records a successful transmission and its encoded size.
func (m *Metrics) ObserveSend(connID string, payloadBytes int) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	current := m.counters[connID]
	current.Sends++
	if payloadBytes > 0 {
		current.Bytes += int64(payloadBytes)
	}
	m.counters[connID] = current
	m.mu.Unlock()
}

// ObserveFailure records a failed transmission attempt.
func (m *Metrics) ObserveFailure(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	current := m.counters[connID]
	current.Failures++
	m.counters[connID] = current
	m.mu.Unlock()
}

// Forget removes the counters for a disconnected peer.
func (m *Metrics) Forget(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	delete(m.counters, connID)
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters so callers can iterate safely.
func (m *Metrics) Snapshot() map[string]Counters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.counters) == 0 {
		return nil
	}
	out := make(map[string]Counters, len(m.counters))
	for id, counters := range m.counters {
		out[id] = counters
	}
	return out
}
