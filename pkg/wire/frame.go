// Package wire defines the JSON frames exchanged with the bus and the
// Envelope handed to subscription handlers.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame types.
const (
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeMessage      = "message"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypePresence     = "presence"
	TypeError        = "error"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// TimeNow is swapped out by tests that need stable timestamps.
var TimeNow = time.Now

// Frame is a single JSON text frame on the bus connection. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// PresenceData is the data member of a presence frame.
type PresenceData struct {
	AgentID      string            `json:"agentId"`
	Status       string            `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GenerateID returns a new envelope id.
func GenerateID() string {
	return uuid.NewString()
}

// Timestamp formats t the way message frames carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewMessage builds a message frame for an already namespaced subject.
// []byte and json.RawMessage holding valid JSON are sent verbatim; any other
// []byte is sent as a JSON string. Everything else is marshaled.
func NewMessage(subject string, payload any) (*Frame, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeMessage,
		ID:        GenerateID(),
		Topic:     subject,
		Data:      data,
		Timestamp: Timestamp(TimeNow()),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("wire: payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return json.Marshal(string(p))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal payload: %w", err)
	}
	return data, nil
}

// Heartbeat returns a heartbeat frame.
func Heartbeat() *Frame { return &Frame{Type: TypeHeartbeat} }

// HeartbeatAck returns a heartbeat acknowledgment frame.
func HeartbeatAck() *Frame { return &Frame{Type: TypeHeartbeatAck} }

// Subscribe returns a subscription request for a namespaced pattern.
func Subscribe(pattern string) *Frame {
	return &Frame{Type: TypeSubscribe, Topic: pattern}
}

// Unsubscribe returns an unsubscription request for a namespaced pattern.
func Unsubscribe(pattern string) *Frame {
	return &Frame{Type: TypeUnsubscribe, Topic: pattern}
}

// Presence returns a presence announcement frame.
func Presence(p PresenceData) *Frame {
	data, _ := json.Marshal(p)
	return &Frame{Type: TypePresence, Data: data, Timestamp: Timestamp(TimeNow())}
}

// Encode marshals f for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}
