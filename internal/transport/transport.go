package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Mode names a physical transport
type Mode string

// Mode constants
const (
	ModeWebSocket Mode = "websocket"
	ModePolling   Mode = "polling"
)

// ErrClosed is returned after the local side closed the connection
var ErrClosed = errors.New("transport: connection closed")

// Message is the JSON frame exchanged with the sync server:
// {"event": "item:updated", "room": "project-1", "data": {...}}
type Message struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes payload as the data of a frame
func NewMessage(event, room string, payload any) (Message, error) {
	msg := Message{Event: event, Room: room}
	if payload == nil {
		return msg, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	msg.Data = data
	return msg, nil
}

// Decode unmarshals the frame data into v
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %s has no data", m.Event)
	}
	return json.Unmarshal(m.Data, v)
}

// Conn is one physical connection. Send and Receive may be called from
// different goroutines. Receive is called from a single goroutine.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens connections of one Mode
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
	Mode() Mode
}

// CloseError reports a connection that ended without a local Close
type CloseError struct {
	// ByPeer is set when the remote side closed the connection cleanly
	ByPeer bool
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.ByPeer {
		return fmt.Sprintf("transport: closed by peer: %s", e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: connection lost: %v", e.Err)
	}
	return "transport: connection lost"
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// DialError reports a failed handshake
type DialError struct {
	Mode   Mode
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s handshake failed with status %d: %v", e.Mode, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s handshake failed: %v", e.Mode, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
