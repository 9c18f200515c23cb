package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError signals a malformed packet. Receivers must treat it as "drop
// the packet and continue", never as a reason to abandon the connection.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode packet: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode packet: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Codec serializes packets to the JSON wire layout described by the protocol.
type Codec struct{}

// NewCodec constructs the packet codec.
func NewCodec() *Codec { return &Codec{} }

// Encode renders the packet into its deterministic wire form.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, &DecodeError{Reason: "nil packet"}
	}
	if !p.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown packet type %q", p.Type)}
	}
	return json.Marshal(p)
}

// Decode parses wire bytes back into a packet, validating required fields.
func (c *Codec) Decode(raw []byte) (*Packet, error) {
	//1.- Reject empty frames before handing them to the JSON parser.
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	var packet Packet
	if err := json.Unmarshal(raw, &packet); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Cause: err}
	}
	//2.- Enforce the structural contract so handlers never see partial packets.
	if packet.ID == "" {
		return nil, &DecodeError{Reason: "missing packet_id"}
	}
	if !packet.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown packet type %q", packet.Type)}
	}
	if packet.Data == nil {
		packet.Data = make(map[string]any)
	}
	return &packet, nil
}
