// Package hub fans dashboard updates out to browser WebSocket clients.
// Each Hub is one channel (status, logs, detections, camera); slow clients
// drop messages instead of stalling the tracker.
package hub

import "github.com/gofiber/websocket/v2"

// MessageType is the WebSocket frame kind a message is sent as
type MessageType int

const (
	// JSONMessage goes out as a text frame
	JSONMessage MessageType = iota
	// BinaryMessage goes out as a binary frame (camera JPEGs)
	BinaryMessage
)

// Message is one broadcast payload
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps raw bytes
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

func (m Message) wsType() int {
	if m.Type == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
