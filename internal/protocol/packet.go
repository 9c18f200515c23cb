// Package protocol defines the wire packet model shared by every transport.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Type enumerates the packet kinds understood by the connection layer.
type Type string

const (
	TypeConnect            Type = "connect"
	TypeDisconnect         Type = "disconnect"
	TypeGameState          Type = "game_state"
	TypePlayerInput        Type = "player_input"
	TypeChatMessage        Type = "chat_message"
	TypeLobbyUpdate        Type = "lobby_update"
	TypeMatchmakingRequest Type = "matchmaking_request"
	TypeMatchmakingResult  Type = "matchmaking_result"
	TypeSpectatorJoin      Type = "spectator_join"
	TypeSpectatorLeave     Type = "spectator_leave"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeError              Type = "error"
	TypeAck                Type = "ack"
)

// Valid reports whether the type is one of the known packet kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeConnect, TypeDisconnect, TypeGameState, TypePlayerInput,
		TypeChatMessage, TypeLobbyUpdate, TypeMatchmakingRequest,
		TypeMatchmakingResult, TypeSpectatorJoin, TypeSpectatorLeave,
		TypePing, TypePong, TypeError, TypeAck:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the type.
func (t Type) String() string { return string(t) }

// Packet is the unit of network communication. Packets are created by the
// sender, serialized, transmitted, optionally acknowledged, then discarded.
type Packet struct {
	ID          string         `json:"packet_id"`
	Type        Type           `json:"packet_type"`
	Timestamp   float64        `json:"timestamp"`
	SenderID    string         `json:"sender_id,omitempty"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Sequence    uint64         `json:"sequence_number"`
	RequiresAck bool           `json:"requires_ack"`
}

// New constructs a packet of the given type with a fresh identifier and a
// wall-clock timestamp in float seconds.
func New(t Type) *Packet {
	return &Packet{
		ID:        newPacketID(),
		Type:      t,
		Timestamp: Now(),
		Data:      make(map[string]any),
	}
}

// NewID mints a fresh packet identifier, for callers that re-identify a
// packet copy (per-connection broadcast clones, for example).
func NewID() string {
	return newPacketID()
}

// Now returns the current wall clock expressed as float seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewAck synthesizes the acknowledgment for the supplied packet, swapping
// sender and recipient so it travels back to the origin.
func NewAck(original *Packet) *Packet {
	ack := New(TypeAck)
	if original == nil {
		return ack
	}
	//1.- Reference the original packet so the pending table can be cleared.
	ack.Data["ack_id"] = original.ID
	ack.SenderID = original.RecipientID
	ack.RecipientID = original.SenderID
	return ack
}

// AckedID extracts the acknowledged packet identifier from an ack packet.
func (p *Packet) AckedID() string {
	if p == nil || p.Type != TypeAck {
		return ""
	}
	if id, ok := p.Data["ack_id"].(string); ok {
		return id
	}
	return ""
}

// Clone returns a shallow copy with an independent data map.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Data != nil {
		clone.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

func newPacketID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
