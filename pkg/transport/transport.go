// Package transport defines the contract between a session and a single
// live connection to the bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/wire"
)

var (
	// ErrNotConnected is returned by Send once a connection has ended.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosedByClient is the Disconnect reason after Close.
	ErrClosedByClient = errors.New("transport: closed by client")
)

// Inbound receives what the reader loop decodes. Both callbacks run on the
// reader goroutine and must not block.
type Inbound struct {
	// OnFrame gets every frame except heartbeat acknowledgments.
	OnFrame func(*wire.Frame)
	// OnHeartbeatAck gets the arrival time of each acknowledgment.
	OnHeartbeatAck func(time.Time)
}

func (in Inbound) frame(f *wire.Frame) {
	if in.OnFrame != nil {
		in.OnFrame(f)
	}
}

func (in Inbound) ack(t time.Time) {
	if in.OnHeartbeatAck != nil {
		in.OnHeartbeatAck(t)
	}
}

// Deliver routes a decoded frame to the matching callback.
func (in Inbound) Deliver(f *wire.Frame, now time.Time) {
	if f.Type == wire.TypeHeartbeatAck {
		in.ack(now)
		return
	}
	in.frame(f)
}

// Disconnect is emitted exactly once per connection.
type Disconnect struct {
	Reason error
	At     time.Time
}

// Conn is one open connection.
type Conn interface {
	// Send writes f and returns once it is on the wire or has failed. After
	// the connection has ended it returns ErrNotConnected.
	Send(ctx context.Context, f *wire.Frame) error
	// Close ends the connection and waits for its goroutines.
	Close() error
	// Disconnected yields a single Disconnect when the connection ends for
	// any reason, including Close.
	Disconnected() <-chan Disconnect
	// Done is closed when the connection has ended.
	Done() <-chan struct{}
}

// Transport opens connections.
type Transport interface {
	Open(ctx context.Context, params *auth.Params, in Inbound) (Conn, error)
	Name() string
}

// Latch records the end of a connection. The first Fire wins; later calls
// are ignored.
type Latch struct {
	once   sync.Once
	events chan Disconnect
	done   chan struct{}
	mu     sync.Mutex
	reason error
}

// NewLatch returns an unfired Latch.
func NewLatch() *Latch {
	return &Latch{events: make(chan Disconnect, 1), done: make(chan struct{})}
}

// Fire ends the connection with reason. It reports whether this call was
// the one that fired.
func (l *Latch) Fire(reason error) bool {
	fired := false
	l.once.Do(func() {
		if reason == nil {
			reason = ErrNotConnected
		}
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		l.events <- Disconnect{Reason: reason, At: time.Now()}
		close(l.done)
		fired = true
	})
	return fired
}

// Events is the single-value disconnect channel.
func (l *Latch) Events() <-chan Disconnect { return l.events }

// Done is closed once fired.
func (l *Latch) Done() <-chan struct{} { return l.done }

// Fired reports whether the latch has fired.
func (l *Latch) Fired() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason the latch fired with, or nil.
func (l *Latch) Reason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// MessageFromPayload turns a payload received on subject from a broker
// that carries bare payloads into a message frame. Payloads that already
// are message frames keep their id and timestamp.
func MessageFromPayload(subject string, payload []byte) *wire.Frame {
	if f, err := wire.Decode(payload); err == nil && f.Type == wire.TypeMessage {
		f.Topic = subject
		return f
	}
	f, err := wire.NewMessage(subject, payload)
	if err != nil {
		f = &wire.Frame{Type: wire.TypeMessage, ID: wire.GenerateID(), Topic: subject, Data: json.RawMessage("null")}
	}
	return f
}
