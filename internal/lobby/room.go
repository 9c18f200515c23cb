// Package lobby groups players into rooms and matches queued players into
// games.
package lobby

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	envRoomID         = "ARENA_MATCH_ID"
	envRoomMinPlayers = "ARENA_MATCH_MIN_PLAYERS"
	envRoomMaxPlayers = "ARENA_MATCH_MAX_PLAYERS"
)

var (
	// ErrInvalidPlayerID is returned when a join request omits the player identifier.
	ErrInvalidPlayerID = errors.New("player id must not be empty")
	// ErrRoomFull indicates the room has reached its configured capacity.
	ErrRoomFull = errors.New("room capacity reached")
	// ErrInvalidCapacity is returned when capacity settings violate basic invariants.
	ErrInvalidCapacity = errors.New("invalid room capacity configuration")
)

// Capacity expresses the player limits for a room.
type Capacity struct {
	MinPlayers int `json:"min_players"`
	MaxPlayers int `json:"max_players"`
}

// RoomSnapshot is a stable view of a room's roster for observers.
type RoomSnapshot struct {
	RoomID   string   `json:"room_id"`
	Capacity Capacity `json:"capacity"`
	Players  []string `json:"players"`
}

// RoomOption configures optional room behaviour at construction time.
type RoomOption func(*Room)

// Room tracks the players grouped into one pending or running game.
type Room struct {
	mu sync.RWMutex

	id        string
	capacity  Capacity
	players   map[string]time.Time
	now       func() time.Time
	envLookup func(string) string

	idConfigured  bool
	capConfigured bool
}

// WithRoomClock overrides the wall-clock time source.
func WithRoomClock(clock func() time.Time) RoomOption {
	return func(r *Room) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithRoomEnvLookup injects a custom environment lookup.
func WithRoomEnvLookup(lookup func(string) string) RoomOption {
	return func(r *Room) {
		r.envLookup = lookup
	}
}

// WithRoomID sets the room identifier explicitly.
func WithRoomID(id string) RoomOption {
	return func(r *Room) {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			return
		}
		r.id = trimmed
		r.idConfigured = true
	}
}

// WithRoomCapacity sets the capacity explicitly, bypassing environment parsing.
func WithRoomCapacity(cap Capacity) RoomOption {
	return func(r *Room) {
		r.capacity = cap
		r.capConfigured = true
	}
}

// NewRoom constructs a room, filling unset fields from the environment.
func NewRoom(opts ...RoomOption) (*Room, error) {
	room := &Room{
		players:   make(map[string]time.Time),
		now:       time.Now,
		envLookup: os.Getenv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(room)
		}
	}
	//1.- Environment values only apply where the caller left gaps.
	if err := room.applyEnvironment(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(room.id) == "" {
		room.id = room.defaultIdentifier()
	}
	if err := validateCapacity(room.capacity); err != nil {
		return nil, err
	}
	return room, nil
}

// Join adds a player to the room, enforcing the capacity limit. Re-joining
// refreshes the player's heartbeat instead of consuming a slot.
func (r *Room) Join(playerID string) (RoomSnapshot, error) {
	if r == nil {
		return RoomSnapshot{}, fmt.Errorf("room is nil")
	}
	trimmed := strings.TrimSpace(playerID)
	if trimmed == "" {
		return RoomSnapshot{}, ErrInvalidPlayerID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.players[trimmed]; !exists {
		if r.capacity.MaxPlayers > 0 && len(r.players) >= r.capacity.MaxPlayers {
			return RoomSnapshot{}, ErrRoomFull
		}
	}
	r.players[trimmed] = r.now()
	return r.snapshotLocked(), nil
}

// Leave removes the player and reports the updated roster.
func (r *Room) Leave(playerID string) RoomSnapshot {
	if r == nil {
		return RoomSnapshot{}
	}
	trimmed := strings.TrimSpace(playerID)
	if trimmed == "" {
		return r.Snapshot()
	}
	r.mu.Lock()
	delete(r.players, trimmed)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return snapshot
}

// Snapshot returns a read-only view of the room.
func (r *Room) Snapshot() RoomSnapshot {
	if r == nil {
		return RoomSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// ID reports the room identifier.
func (r *Room) ID() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Ready reports whether enough players joined to start a game.
func (r *Room) Ready() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players) >= r.capacity.MinPlayers && r.capacity.MinPlayers > 0
}

// AdjustCapacity changes the capacity bounds without evicting active players.
func (r *Room) AdjustCapacity(minPlayers, maxPlayers int) (RoomSnapshot, error) {
	if r == nil {
		return RoomSnapshot{}, fmt.Errorf("room is nil")
	}
	proposed := Capacity{MinPlayers: minPlayers, MaxPlayers: maxPlayers}
	if err := validateCapacity(proposed); err != nil {
		return RoomSnapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if proposed.MaxPlayers > 0 && len(r.players) > proposed.MaxPlayers {
		return RoomSnapshot{}, fmt.Errorf("%w: %d active players exceed max %d", ErrInvalidCapacity, len(r.players), proposed.MaxPlayers)
	}
	r.capacity = proposed
	return r.snapshotLocked(), nil
}

func (r *Room) applyEnvironment() error {
	lookup := r.envLookup
	if lookup == nil {
		return nil
	}
	if !r.idConfigured {
		if id := strings.TrimSpace(lookup(envRoomID)); id != "" {
			r.id = id
			r.idConfigured = true
		}
	}
	if r.capConfigured {
		return nil
	}
	var anySet bool
	if raw := strings.TrimSpace(lookup(envRoomMinPlayers)); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCapacity, envRoomMinPlayers, raw)
		}
		r.capacity.MinPlayers = value
		anySet = true
	}
	if raw := strings.TrimSpace(lookup(envRoomMaxPlayers)); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCapacity, envRoomMaxPlayers, raw)
		}
		r.capacity.MaxPlayers = value
		anySet = true
	}
	if anySet {
		r.capConfigured = true
	}
	return nil
}

func (r *Room) snapshotLocked() RoomSnapshot {
	snapshot := RoomSnapshot{RoomID: r.id, Capacity: r.capacity}
	if len(r.players) == 0 {
		return snapshot
	}
	snapshot.Players = make([]string, 0, len(r.players))
	for id := range r.players {
		snapshot.Players = append(snapshot.Players, id)
	}
	//1.- Sorted rosters keep payloads deterministic for consumers and tests.
	sort.Strings(snapshot.Players)
	return snapshot
}

func (r *Room) defaultIdentifier() string {
	if r.now != nil {
		if stamp := r.now().UTC().Format("room-20060102T150405"); strings.TrimSpace(stamp) != "" {
			return stamp
		}
	}
	return "room"
}

func validateCapacity(cap Capacity) error {
	if cap.MinPlayers < 0 {
		return fmt.Errorf("%w: minimum players must be non-negative", ErrInvalidCapacity)
	}
	if cap.MaxPlayers < 0 {
		return fmt.Errorf("%w: maximum players must be non-negative", ErrInvalidCapacity)
	}
	if cap.MaxPlayers > 0 && cap.MaxPlayers < cap.MinPlayers {
		return fmt.Errorf("%w: max %d is less than min %d", ErrInvalidCapacity, cap.MaxPlayers, cap.MinPlayers)
	}
	return nil
}
