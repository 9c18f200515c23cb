// Package lagcomp provides client-side prediction, server-side hit rewind,
// and render-time interpolation for latency hiding.
package lagcomp

import (
	"math"
	"sync"
	"time"

	"termarena/server/internal/game"
)

// predictionStep is the fallback timestep when a caller does not supply a
// delta, matching the 60Hz simulation.
const predictionStep = 1.0 / 60.0

// Prediction is one locally simulated input awaiting server confirmation.
type Prediction struct {
	Seq       uint64
	Timestamp time.Time
	Position  game.Vec2
	Velocity  game.Vec2
	Input     game.Vec2
	Delta     float64
	Confirmed bool
}

// Predictor simulates inputs locally and reconciles against authoritative
// corrections by replaying the unconfirmed tail.
type Predictor struct {
	mu sync.Mutex

	capacity  int
	pending   []Prediction
	position  game.Vec2
	velocity  game.Vec2
	confirmed uint64
	lastError float64
}

// NewPredictor creates a predictor holding at most capacity unconfirmed
// inputs; older entries are discarded when the buffer fills.
func NewPredictor(capacity int) *Predictor {
	if capacity <= 0 {
		capacity = 120
	}
	return &Predictor{capacity: capacity}
}

// Predict applies the input immediately to the local state, integrating over
// the caller-supplied delta seconds, and records the step for later
// reconciliation. Returns the predicted position.
func (p *Predictor) Predict(seq uint64, input game.Vec2, delta float64, at time.Time) game.Vec2 {
	if delta <= 0 {
		delta = predictionStep
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.velocity = input
	p.position = p.position.Add(p.velocity.Scale(delta))

	entry := Prediction{
		Seq:       seq,
		Timestamp: at,
		Position:  p.position,
		Velocity:  p.velocity,
		Input:     input,
		Delta:     delta,
	}
	p.pending = append(p.pending, entry)
	if len(p.pending) > p.capacity {
		p.pending = p.pending[len(p.pending)-p.capacity:]
	}
	return p.position
}

// Confirm reconciles the authoritative state for sequence seq: it records the
// prediction error, prunes confirmed entries, and replays the unconfirmed
// tail from the server's position with each step's recorded delta.
func (p *Predictor) Confirm(seq uint64, position, velocity game.Vec2) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.confirmed {
		return
	}
	p.confirmed = seq

	//1.- Measure how far the local guess drifted from the authority.
	for _, entry := range p.pending {
		if entry.Seq == seq {
			dx := entry.Position.X - position.X
			dy := entry.Position.Y - position.Y
			p.lastError = math.Sqrt(dx*dx + dy*dy)
			break
		}
	}

	//2.- Drop everything the server has already accounted for.
	remaining := p.pending[:0]
	for _, entry := range p.pending {
		if entry.Seq > seq {
			remaining = append(remaining, entry)
		}
	}
	p.pending = remaining

	//3.- Replay the unconfirmed inputs on top of the authoritative state.
	p.position = position
	p.velocity = velocity
	for i := range p.pending {
		p.velocity = p.pending[i].Input
		p.position = p.position.Add(p.velocity.Scale(p.pending[i].Delta))
		p.pending[i].Position = p.position
		p.pending[i].Velocity = p.velocity
	}
}

// CorrectedPosition returns the current locally predicted position.
func (p *Predictor) CorrectedPosition() game.Vec2 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// LastError reports the Euclidean error measured by the latest confirmation.
func (p *Predictor) LastError() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// PendingCount reports how many inputs await confirmation.
func (p *Predictor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Reset clears all local state, for respawns and hard corrections.
func (p *Predictor) Reset(position game.Vec2) {
	p.mu.Lock()
	p.pending = nil
	p.position = position
	p.velocity = game.Vec2{}
	p.lastError = 0
	p.mu.Unlock()
}
