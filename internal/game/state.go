// Package game holds the authoritative world state and the server that
// advances it.
package game

import (
	"sync"
)

// Vec2 is a two-dimensional position or velocity vector.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns the component-wise sum.
func (v Vec2) Add(other Vec2) Vec2 { return Vec2{X: v.X + other.X, Y: v.Y + other.Y} }

// Scale returns the vector multiplied by the scalar.
func (v Vec2) Scale(factor float64) Vec2 { return Vec2{X: v.X * factor, Y: v.Y * factor} }

// PlayerStatus enumerates the lifecycle states of a player. A player holds
// exactly one status at a time.
type PlayerStatus string

const (
	StatusConnected    PlayerStatus = "connected"
	StatusPlaying      PlayerStatus = "playing"
	StatusSpectating   PlayerStatus = "spectating"
	StatusDisconnected PlayerStatus = "disconnected"
)

// PlayerState is the authoritative record for one player.
type PlayerState struct {
	ID                string       `json:"id"`
	Status            PlayerStatus `json:"status"`
	Position          Vec2         `json:"position"`
	Velocity          Vec2         `json:"velocity"`
	Score             int          `json:"score"`
	Health            float64      `json:"health"`
	LastInputSequence uint64       `json:"last_input_sequence"`
	LatencyMs         float64      `json:"latency_ms"`
}

// Object is a non-player entity tracked by the simulation.
type Object struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Position  Vec2           `json:"position"`
	Velocity  Vec2           `json:"velocity"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt float64        `json:"updated_at"`
}

// State is the single authoritative world snapshot for one running game.
// Only the game server's tick goroutine mutates it; concurrent readers take
// consistent snapshots through the internal lock.
type State struct {
	mu sync.RWMutex

	gameID    string
	tick      uint64
	updatedAt float64
	players   map[string]*PlayerState
	objects   map[string]*Object
	data      map[string]any
	started   bool
	ended     bool
}

// NewState creates the world for a game that has not started yet.
func NewState(gameID string) *State {
	return &State{
		gameID:  gameID,
		players: make(map[string]*PlayerState),
		objects: make(map[string]*Object),
		data:    make(map[string]any),
	}
}

// GameID reports the identifier of the running game.
func (s *State) GameID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameID
}

// Tick reports the current tick counter.
func (s *State) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// Begin marks the game as started.
func (s *State) Begin() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// End marks the game as finished.
func (s *State) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// Started reports whether the game is running.
func (s *State) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.ended
}

// AddPlayer registers a new player in the connected status. Re-adding an
// existing identifier resets that player.
func (s *State) AddPlayer(playerID string) *PlayerState {
	player := &PlayerState{ID: playerID, Status: StatusConnected, Health: 100}
	s.mu.Lock()
	s.players[playerID] = player
	s.mu.Unlock()
	clone := *player
	return &clone
}

// RemovePlayer deletes the player record entirely.
func (s *State) RemovePlayer(playerID string) bool {
	s.mu.Lock()
	_, ok := s.players[playerID]
	delete(s.players, playerID)
	s.mu.Unlock()
	return ok
}

// SetStatus transitions the player to the given status.
func (s *State) SetStatus(playerID string, status PlayerStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[playerID]
	if !ok {
		return false
	}
	player.Status = status
	return true
}

// Player returns a copy of the player record.
func (s *State) Player(playerID string) (PlayerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.players[playerID]
	if !ok {
		return PlayerState{}, false
	}
	return *player, true
}

// PlayerCount reports the number of registered players.
func (s *State) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

// AcceptSequence validates a client input sequence against the monotonic
// per-player watermark. Inputs at or below the watermark are rejected and
// leave the player untouched; accepted sequences advance it.
func (s *State) AcceptSequence(playerID string, sequence uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[playerID]
	if !ok {
		return false
	}
	if sequence <= player.LastInputSequence {
		return false
	}
	player.LastInputSequence = sequence
	return true
}

// ApplyInput sets the player's velocity from a validated directional input.
func (s *State) ApplyInput(playerID string, move Vec2) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[playerID]
	if !ok {
		return false
	}
	player.Velocity = move
	return true
}

// SetLatency records the smoothed latency estimate for the player.
func (s *State) SetLatency(playerID string, latencyMs float64) {
	s.mu.Lock()
	if player, ok := s.players[playerID]; ok {
		player.LatencyMs = latencyMs
	}
	s.mu.Unlock()
}

// UpsertObject inserts or replaces a simulation object.
func (s *State) UpsertObject(object Object) {
	if object.ID == "" {
		return
	}
	clone := object
	s.mu.Lock()
	s.objects[object.ID] = &clone
	s.mu.Unlock()
}

// RemoveObject deletes the object record.
func (s *State) RemoveObject(objectID string) {
	s.mu.Lock()
	delete(s.objects, objectID)
	s.mu.Unlock()
}

// Integrate advances simple physics for playing players and all objects.
// Only the tick goroutine calls this.
func (s *State) Integrate(deltaSeconds, now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, player := range s.players {
		if player.Status != StatusPlaying {
			continue
		}
		player.Position = integrate(player.Position, player.Velocity, deltaSeconds)
	}
	for _, object := range s.objects {
		object.Position = integrate(object.Position, object.Velocity, deltaSeconds)
		object.UpdatedAt = now
	}
}

// IncrementTick advances the tick counter and stamps the update time.
func (s *State) IncrementTick(now float64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	s.updatedAt = now
	return s.tick
}

// Advance performs one full simulation step: physics integration followed by
// the tick counter increment.
func (s *State) Advance(deltaSeconds, now float64) uint64 {
	s.Integrate(deltaSeconds, now)
	return s.IncrementTick(now)
}

// Players returns copies of every player record.
func (s *State) Players() []PlayerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PlayerState, 0, len(s.players))
	for _, player := range s.players {
		out = append(out, *player)
	}
	return out
}

// SnapshotData renders the full world into the generic payload layout used
// by GameState packets and spectator frames.
func (s *State) SnapshotData() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make(map[string]any, len(s.players))
	for id, player := range s.players {
		players[id] = map[string]any{
			"id":                  player.ID,
			"status":              string(player.Status),
			"position":            map[string]any{"x": player.Position.X, "y": player.Position.Y},
			"velocity":            map[string]any{"x": player.Velocity.X, "y": player.Velocity.Y},
			"score":               player.Score,
			"health":              player.Health,
			"last_input_sequence": player.LastInputSequence,
			"latency_ms":          player.LatencyMs,
		}
	}
	objects := make(map[string]any, len(s.objects))
	for id, object := range s.objects {
		objects[id] = map[string]any{
			"id":         object.ID,
			"kind":       object.Kind,
			"position":   map[string]any{"x": object.Position.X, "y": object.Position.Y},
			"velocity":   map[string]any{"x": object.Velocity.X, "y": object.Velocity.Y},
			"data":       object.Data,
			"updated_at": object.UpdatedAt,
		}
	}
	extra := make(map[string]any, len(s.data))
	for k, v := range s.data {
		extra[k] = v
	}
	return map[string]any{
		"game_id":    s.gameID,
		"tick":       s.tick,
		"updated_at": s.updatedAt,
		"players":    players,
		"objects":    objects,
		"data":       extra,
		"started":    s.started,
		"ended":      s.ended,
	}
}

// SetData stores an arbitrary game-level value.
func (s *State) SetData(key string, value any) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}
