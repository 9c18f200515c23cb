package lagcomp

import (
	"math"
	"sync"
	"time"

	"termarena/server/internal/game"
)

// Hitbox is an axis-aligned box centred on an entity position.
type Hitbox struct {
	HalfWidth  float64
	HalfHeight float64
}

// Contains reports whether the point falls inside the box centred at centre.
func (h Hitbox) Contains(centre, point game.Vec2) bool {
	if h.HalfWidth <= 0 || h.HalfHeight <= 0 {
		return false
	}
	return math.Abs(point.X-centre.X) <= h.HalfWidth &&
		math.Abs(point.Y-centre.Y) <= h.HalfHeight
}

// Snapshot is one historical authoritative record for a player.
type Snapshot struct {
	PlayerID  string
	Timestamp time.Time
	Seq       uint64
	Position  game.Vec2
	Velocity  game.Vec2
	Hitbox    Hitbox
}

// HitResult reports the outcome of a rewound hit verification.
type HitResult struct {
	Valid    bool
	Reason   string
	Position game.Vec2
}

// ReconcilerConfig bounds the rewind window.
type ReconcilerConfig struct {
	// HistoryDuration is how much per-player history is retained.
	HistoryDuration time.Duration
	// MaxRewind is the oldest shot timestamp still verifiable.
	MaxRewind time.Duration
	// InputTolerance is the per-axis slack allowed between a client's
	// claimed position and the authoritative one.
	InputTolerance float64
}

// Reconciler keeps short position histories so hits can be verified at the
// time the shooter actually saw the target.
type Reconciler struct {
	mu      sync.Mutex
	cfg     ReconcilerConfig
	now     func() time.Time
	history map[string][]Snapshot
}

// ReconcilerOption customises construction.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the clock used for eviction and rewind
// bounds.
func WithReconcilerClock(clock func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewReconciler builds a reconciler with the supplied window configuration.
func NewReconciler(cfg ReconcilerConfig, opts ...ReconcilerOption) *Reconciler {
	if cfg.HistoryDuration <= 0 {
		cfg.HistoryDuration = time.Second
	}
	if cfg.MaxRewind <= 0 {
		cfg.MaxRewind = 500 * time.Millisecond
	}
	if cfg.InputTolerance <= 0 {
		cfg.InputTolerance = 10
	}
	r := &Reconciler{
		cfg:     cfg,
		now:     time.Now,
		history: make(map[string][]Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record appends an authoritative snapshot and evicts entries older than the
// history window. Snapshots must arrive in time order per player.
func (r *Reconciler) Record(snapshot Snapshot) {
	if r == nil || snapshot.PlayerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.history[snapshot.PlayerID], snapshot)
	cutoff := r.now().Add(-r.cfg.HistoryDuration)
	start := 0
	for start < len(entries) && entries[start].Timestamp.Before(cutoff) {
		start++
	}
	r.history[snapshot.PlayerID] = entries[start:]
}

// Forget drops all history for a player.
func (r *Reconciler) Forget(playerID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.history, playerID)
	r.mu.Unlock()
}

// PlayerAt reconstructs the player's state at time t. Queries before the
// oldest or after the newest snapshot clamp to the respective end; queries
// between snapshots interpolate linearly.
func (r *Reconciler) PlayerAt(playerID string, t time.Time) (Snapshot, bool) {
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.history[playerID]
	if len(entries) == 0 {
		return Snapshot{}, false
	}
	if !t.After(entries[0].Timestamp) {
		return entries[0], true
	}
	last := entries[len(entries)-1]
	if !t.Before(last.Timestamp) {
		return last, true
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(t) {
			continue
		}
		before, after := entries[i-1], entries[i]
		span := after.Timestamp.Sub(before.Timestamp)
		if span <= 0 {
			return after, true
		}
		frac := float64(t.Sub(before.Timestamp)) / float64(span)
		blended := before
		blended.Timestamp = t
		blended.Position = lerpVec(before.Position, after.Position, frac)
		blended.Velocity = lerpVec(before.Velocity, after.Velocity, frac)
		return blended, true
	}
	return last, true
}

// VerifyHit rewinds the target to the shooter's view of time and tests the
// shot point against the target's hitbox at that moment.
func (r *Reconciler) VerifyHit(targetID string, shotAt time.Time, point game.Vec2) HitResult {
	if r == nil {
		return HitResult{Reason: "no history"}
	}
	age := r.now().Sub(shotAt)
	if age > r.cfg.MaxRewind {
		return HitResult{Reason: "shot too old"}
	}
	snapshot, ok := r.PlayerAt(targetID, shotAt)
	if !ok {
		return HitResult{Reason: "no history"}
	}
	if !snapshot.Hitbox.Contains(snapshot.Position, point) {
		return HitResult{Reason: "miss", Position: snapshot.Position}
	}
	return HitResult{Valid: true, Position: snapshot.Position}
}

// ValidateInput checks the client's claimed position against the
// authoritative one within the per-axis tolerance.
func (r *Reconciler) ValidateInput(authoritative, claimed game.Vec2) bool {
	if r == nil {
		return false
	}
	return math.Abs(authoritative.X-claimed.X) <= r.cfg.InputTolerance &&
		math.Abs(authoritative.Y-claimed.Y) <= r.cfg.InputTolerance
}

// ValidateClaim rewinds to the authoritative position the player held at the
// claimed time and checks the claim against it within the per-axis tolerance.
// A player with no recorded history yet passes; there is nothing to compare.
func (r *Reconciler) ValidateClaim(playerID string, claimed game.Vec2, at time.Time) bool {
	if r == nil {
		return false
	}
	snapshot, ok := r.PlayerAt(playerID, at)
	if !ok {
		return true
	}
	return r.ValidateInput(snapshot.Position, claimed)
}

// HistoryLen reports how many snapshots are retained for the player.
func (r *Reconciler) HistoryLen(playerID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history[playerID])
}

func lerpVec(a, b game.Vec2, frac float64) game.Vec2 {
	return game.Vec2{
		X: a.X + (b.X-a.X)*frac,
		Y: a.Y + (b.Y-a.Y)*frac,
	}
}
