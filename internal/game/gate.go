package game

import (
	"sync"
	"time"
)

// DropReason enumerates why an input frame was rejected before buffering.
type DropReason string

const (
	DropNone        DropReason = ""
	DropSequence    DropReason = "sequence"
	DropStale       DropReason = "stale"
	DropRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether an input frame passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// GateConfig controls the freshness and throughput guards applied to inputs.
// Zero values disable the corresponding check.
type GateConfig struct {
	MaxAge      time.Duration
	MinInterval time.Duration
}

// DropCounters aggregates per-reason drop counts for one player.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

type gateState struct {
	lastSequence uint64
	lastAccepted time.Time
}

// Gate validates sequencing, freshness, and throughput for inbound inputs
// before they reach the per-player buffers. It is a hardening layer on top of
// the authoritative sequence watermark held by the world state.
type Gate struct {
	mu      sync.Mutex
	cfg     GateConfig
	now     func() time.Time
	players map[string]*gateState
	drops   map[string]DropCounters
}

// GateOption customises gate construction.
type GateOption func(*Gate)

// WithGateClock overrides the clock used for freshness decisions.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration.
func NewGate(cfg GateConfig, opts ...GateOption) *Gate {
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	gate := &Gate{
		cfg:     cfg,
		now:     time.Now,
		players: make(map[string]*gateState),
		drops:   make(map[string]DropCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies the sequencing, freshness, and throughput guards.
func (g *Gate) Evaluate(playerID string, sequence uint64, sentAt time.Time) Decision {
	if g == nil || playerID == "" {
		return Decision{Accepted: true}
	}
	now := g.now()
	decision := Decision{Accepted: true}
	if !sentAt.IsZero() {
		if delay := now.Sub(sentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	state := g.players[playerID]
	if state == nil {
		state = &gateState{}
		g.players[playerID] = state
	}
	switch {
	case sequence == 0 || sequence <= state.lastSequence:
		decision = Decision{Accepted: false, Reason: DropSequence, Delay: decision.Delay}
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision = Decision{Accepted: false, Reason: DropStale, Delay: decision.Delay}
	case g.cfg.MinInterval > 0 && !state.lastAccepted.IsZero() && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		decision = Decision{Accepted: false, Reason: DropRateLimited, Delay: decision.Delay}
	default:
		state.lastSequence = sequence
		state.lastAccepted = now
	}
	if !decision.Accepted {
		current := g.drops[playerID]
		switch decision.Reason {
		case DropSequence:
			current.Sequence++
		case DropStale:
			current.Stale++
		case DropRateLimited:
			current.RateLimited++
		}
		g.drops[playerID] = current
	}
	g.mu.Unlock()
	return decision
}

// Forget clears cached state for a disconnected player.
func (g *Gate) Forget(playerID string) {
	if g == nil || playerID == "" {
		return
	}
	g.mu.Lock()
	delete(g.players, playerID)
	delete(g.drops, playerID)
	g.mu.Unlock()
}

// Drops returns a copy of the per-player drop counters.
func (g *Gate) Drops() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.drops) == 0 {
		return nil
	}
	out := make(map[string]DropCounters, len(g.drops))
	for id, counters := range g.drops {
		out[id] = counters
	}
	return out
}
