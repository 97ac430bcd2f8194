// Package protocol defines the JSON envelope exchanged over the bridge
// WebSocket between the tracker and the app running next to the drone SDK.
//
// Every frame is a Message whose Data holds exactly one Payload. Commands
// travel tracker → drone with an ID; the drone answers each with an ack
// carrying the same ID.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrWrongType is returned by Decode when the envelope carries a
	// different payload than the one asked for
	ErrWrongType = errors.New("protocol: unexpected payload type")
)

// MessageType tags the payload inside an envelope
type MessageType string

const (
	TypeFrame MessageType = "frame"
	TypeState MessageType = "state"
	TypeAck   MessageType = "ack"

	TypeGimbal  MessageType = "gimbal"
	TypeFlight  MessageType = "flight"
	TypeCommand MessageType = "command"

	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// IsCommand reports whether t is acknowledged by the drone
func (t MessageType) IsCommand() bool {
	return t == TypeGimbal || t == TypeFlight || t == TypeCommand
}

// Message is the envelope
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // unix ms at the sender
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every message body
type Payload interface {
	MessageType() MessageType
}

// Encode wraps p in an envelope stamped with the current time. id may be
// empty for messages that are not acknowledged.
func Encode(id string, p Payload) (*Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.MessageType(), err)
	}
	return &Message{
		Type:      p.MessageType(),
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// Decode unpacks the body of m into a T. An envelope without data yields
// the zero T.
func Decode[T Payload](m *Message) (T, error) {
	var v T
	if m.Type != v.MessageType() {
		return v, fmt.Errorf("%w: have %q, want %q", ErrWrongType, m.Type, v.MessageType())
	}
	if len(m.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return v, nil
}

// Marshal encodes the envelope for the wire
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Age is the time since the sender stamped m
func (m *Message) Age(now time.Time) time.Duration {
	if m.Timestamp == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// Parse reads one envelope off the wire
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	}
	return &m, nil
}
