package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingSequence is returned when an input payload omits its sequence id.
	ErrMissingSequence = errors.New("input payload missing sequence number")
	// ErrEmptyChatText is returned when a chat payload carries no text.
	ErrEmptyChatText = errors.New("chat payload missing text")
)

// InputPayload is the typed view of a PlayerInput packet's data map. The
// claimed coordinates are pointers so an input without a claim stays
// distinguishable from a claim at the origin.
type InputPayload struct {
	Sequence  uint64   `json:"sequence"`
	MoveX     float64  `json:"move_x"`
	MoveY     float64  `json:"move_y"`
	Actions   []string `json:"actions,omitempty"`
	ClaimedX  *float64 `json:"claimed_x,omitempty"`
	ClaimedY  *float64 `json:"claimed_y,omitempty"`
	SentAtSec float64  `json:"sent_at,omitempty"`
}

// Claim reports the claimed position when both coordinates are present.
func (p *InputPayload) Claim() (x, y float64, ok bool) {
	if p == nil || p.ClaimedX == nil || p.ClaimedY == nil {
		return 0, 0, false
	}
	return *p.ClaimedX, *p.ClaimedY, true
}

// ChatPayload is the typed view of a ChatMessage packet's data map.
type ChatPayload struct {
	Text string `json:"text"`
}

// MatchmakingRequestPayload carries queue parameters for matchmaking.
type MatchmakingRequestPayload struct {
	Mode string `json:"mode,omitempty"`
}

// MatchmakingResultPayload reports the outcome of a matchmaking request.
type MatchmakingResultPayload struct {
	RoomID  string   `json:"room_id"`
	Matched bool     `json:"matched"`
	Players []string `json:"players,omitempty"`
}

// LobbyUpdatePayload describes the lobby roster after a change.
type LobbyUpdatePayload struct {
	RoomID     string   `json:"room_id"`
	Players    []string `json:"players,omitempty"`
	MinPlayers int      `json:"min_players"`
	MaxPlayers int      `json:"max_players"`
}

// PingPayload carries the probe metadata echoed back by a pong.
type PingPayload struct {
	PingID    string  `json:"ping_id"`
	SentAtSec float64 `json:"sent_at"`
}

// ErrorPayload carries a machine-readable error surfaced to a peer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseInput decodes and validates the PlayerInput payload of the packet.
func ParseInput(p *Packet) (*InputPayload, error) {
	var payload InputPayload
	if err := decodeData(p, &payload); err != nil {
		return nil, err
	}
	if payload.Sequence == 0 {
		return nil, ErrMissingSequence
	}
	return &payload, nil
}

// ParseChat decodes and validates the ChatMessage payload of the packet.
func ParseChat(p *Packet) (*ChatPayload, error) {
	var payload ChatPayload
	if err := decodeData(p, &payload); err != nil {
		return nil, err
	}
	if payload.Text == "" {
		return nil, ErrEmptyChatText
	}
	return &payload, nil
}

// ParseMatchmakingRequest decodes the MatchmakingRequest payload of the packet.
func ParseMatchmakingRequest(p *Packet) (*MatchmakingRequestPayload, error) {
	var payload MatchmakingRequestPayload
	if err := decodeData(p, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ParsePing decodes the Ping or Pong payload of the packet.
func ParsePing(p *Packet) (*PingPayload, error) {
	var payload PingPayload
	if err := decodeData(p, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SetData overwrites the packet data map with the JSON projection of payload.
func (p *Packet) SetData(payload any) error {
	if p == nil {
		return errors.New("nil packet")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	p.Data = data
	return nil
}

// decodeData projects the generic data map into the typed payload structure.
func decodeData(p *Packet, dst any) error {
	if p == nil {
		return errors.New("nil packet")
	}
	//1.- Round-trip through JSON so the generic map stays the wire-decode fallback.
	raw, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Type, err)
	}
	return nil
}
