package lagcomp

import (
	"sync"
	"time"

	"termarena/server/internal/game"
)

// EntityState is one timestamped remote entity observation.
type EntityState struct {
	Timestamp time.Time
	Position  game.Vec2
	Velocity  game.Vec2
	Rotation  float64
}

// Interpolator renders remote entities slightly in the past so movement
// stays smooth across snapshot gaps.
type Interpolator struct {
	mu sync.Mutex

	delay     time.Duration
	capacity  int
	smoothing bool
	entities  map[string][]EntityState
}

// NewInterpolator creates an interpolator rendering delay behind real time
// and keeping at most capacity snapshots per entity.
func NewInterpolator(delay time.Duration, capacity int) *Interpolator {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 10
	}
	return &Interpolator{
		delay:     delay,
		capacity:  capacity,
		smoothing: true,
		entities:  make(map[string][]EntityState),
	}
}

// SetSmoothing toggles interpolation; when off, StateAt returns the newest
// snapshot unchanged.
func (i *Interpolator) SetSmoothing(enabled bool) {
	i.mu.Lock()
	i.smoothing = enabled
	i.mu.Unlock()
}

// Observe records a snapshot for the entity, discarding the oldest entry
// once the ring is full. Snapshots must arrive in time order.
func (i *Interpolator) Observe(entityID string, state EntityState) {
	if i == nil || entityID == "" {
		return
	}
	i.mu.Lock()
	buffer := append(i.entities[entityID], state)
	if len(buffer) > i.capacity {
		buffer = buffer[len(buffer)-i.capacity:]
	}
	i.entities[entityID] = buffer
	i.mu.Unlock()
}

// Forget drops all snapshots for the entity.
func (i *Interpolator) Forget(entityID string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	delete(i.entities, entityID)
	i.mu.Unlock()
}

// StateAt renders the entity at now minus the interpolation delay. Render
// times outside the buffered window clamp to the nearest end.
func (i *Interpolator) StateAt(entityID string, now time.Time) (EntityState, bool) {
	if i == nil {
		return EntityState{}, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	buffer := i.entities[entityID]
	if len(buffer) == 0 {
		return EntityState{}, false
	}
	newest := buffer[len(buffer)-1]
	if !i.smoothing {
		return newest, true
	}
	renderTime := now.Add(-i.delay)
	if !renderTime.After(buffer[0].Timestamp) {
		return buffer[0], true
	}
	if !renderTime.Before(newest.Timestamp) {
		return newest, true
	}
	for idx := 1; idx < len(buffer); idx++ {
		if buffer[idx].Timestamp.Before(renderTime) {
			continue
		}
		before, after := buffer[idx-1], buffer[idx]
		span := after.Timestamp.Sub(before.Timestamp)
		if span <= 0 {
			return after, true
		}
		frac := float64(renderTime.Sub(before.Timestamp)) / float64(span)
		return EntityState{
			Timestamp: renderTime,
			Position:  lerpVec(before.Position, after.Position, frac),
			Velocity:  lerpVec(before.Velocity, after.Velocity, frac),
			Rotation:  before.Rotation + (after.Rotation-before.Rotation)*frac,
		}, true
	}
	return newest, true
}

// BufferLen reports how many snapshots the entity currently holds.
func (i *Interpolator) BufferLen(entityID string) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entities[entityID])
}
