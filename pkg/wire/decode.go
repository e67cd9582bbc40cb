package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolError reports a frame that could not be understood. Connections
// log and drop such frames; they never end a session.
type ProtocolError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "wire: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decode parses one inbound frame.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Raw: raw, Err: err}
	}
	switch f.Type {
	case TypeHeartbeat, TypeHeartbeatAck, TypePresence, TypeError:
	case TypeMessage:
		if f.Topic == "" {
			return nil, &ProtocolError{Reason: "message frame without topic", Raw: raw}
		}
	case TypeSubscribe, TypeUnsubscribe, TypeSubscribed:
		if f.Topic == "" {
			return nil, &ProtocolError{Reason: f.Type + " frame without topic", Raw: raw}
		}
	case "":
		return nil, &ProtocolError{Reason: "frame without type", Raw: raw}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type), Raw: raw}
	}
	return &f, nil
}

// Envelope is what subscription handlers receive.
type Envelope struct {
	ID string
	// Topic is the application topic with the tenant prefix removed.
	Topic string
	// Subject is the fully qualified subject the message arrived on.
	Subject   string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// EnvelopeFrom converts a message frame into an Envelope for topic.
// An unparsable timestamp leaves Timestamp zero.
func EnvelopeFrom(f *Frame, topic string) *Envelope {
	env := &Envelope{ID: f.ID, Topic: topic, Subject: f.Topic, Payload: f.Data}
	if f.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, f.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}
	return env
}

// Decode unmarshals the payload into v (must be a pointer). A missing or
// null payload leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
