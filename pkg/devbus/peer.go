package devbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/artcafeai/agentmq/pkg/router"
	"github.com/artcafeai/agentmq/pkg/wire"
)

const peerWriteTimeout = 5 * time.Second

type peer struct {
	bus      *Bus
	conn     *websocket.Conn
	agentID  string
	tenantID string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs []string
}

func newPeer(b *Bus, conn *websocket.Conn, agentID, tenantID string) *peer {
	return &peer{bus: b, conn: conn, agentID: agentID, tenantID: tenantID}
}

func (p *peer) namespace() string {
	return "tenants." + p.tenantID + "."
}

func (p *peer) send(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), peerWriteTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *peer) matches(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		if router.Match(s, subject) {
			return true
		}
	}
	return false
}

func (p *peer) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	defer p.conn.CloseNow()

	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			p.send(&wire.Frame{Type: wire.TypeError, Message: err.Error()})
			continue
		}
		p.handle(f)
	}
}

func (p *peer) handle(f *wire.Frame) {
	b := p.bus
	switch f.Type {
	case wire.TypeHeartbeat:
		b.heartbeats.Add(1)
		if !b.dropAcks.Load() {
			p.send(wire.HeartbeatAck())
		}
	case wire.TypeSubscribe:
		if !strings.HasPrefix(f.Topic, p.namespace()) {
			p.send(&wire.Frame{Type: wire.TypeError, Message: fmt.Sprintf("pattern %q outside tenant namespace", f.Topic)})
			return
		}
		p.mu.Lock()
		found := false
		for _, s := range p.subs {
			found = found || s == f.Topic
		}
		if !found {
			p.subs = append(p.subs, f.Topic)
		}
		p.mu.Unlock()
		p.send(&wire.Frame{Type: wire.TypeSubscribed, Topic: f.Topic})
	case wire.TypeUnsubscribe:
		p.mu.Lock()
		for i, s := range p.subs {
			if s == f.Topic {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	case wire.TypeMessage:
		b.record(*f)
		if !strings.HasPrefix(f.Topic, p.namespace()) {
			p.send(&wire.Frame{Type: wire.TypeError, Message: fmt.Sprintf("topic %q outside tenant namespace", f.Topic)})
			return
		}
		b.route(f)
	case wire.TypePresence:
		b.record(*f)
	}
}

func (b *Bus) record(f wire.Frame) {
	b.mu.Lock()
	b.received = append(b.received, f)
	b.mu.Unlock()
}

func (b *Bus) peers() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		out = append(out, p)
	}
	return out
}

// route delivers f to every peer with a matching subscription.
func (b *Bus) route(f *wire.Frame) int {
	n := 0
	for _, p := range b.peers() {
		if p.matches(f.Topic) {
			if err := p.send(f); err == nil {
				n++
			}
		}
	}
	return n
}

// Publish injects a message on a fully qualified subject and returns how
// many connections received it.
func (b *Bus) Publish(subject string, payload any) (int, error) {
	f, err := wire.NewMessage(subject, payload)
	if err != nil {
		return 0, err
	}
	return b.route(f), nil
}

// SendRaw writes raw bytes to every connection of agentID.
func (b *Bus) SendRaw(agentID string, raw []byte) int {
	n := 0
	for _, p := range b.peers() {
		if p.agentID != agentID {
			continue
		}
		p.writeMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), peerWriteTimeout)
		if p.conn.Write(ctx, websocket.MessageText, raw) == nil {
			n++
		}
		cancel()
		p.writeMu.Unlock()
	}
	return n
}

// DropConnections closes every connection without a close handshake.
func (b *Bus) DropConnections() int {
	ps := b.peers()
	for _, p := range ps {
		p.conn.CloseNow()
	}
	return len(ps)
}

// Connections counts live connections, optionally for one agent.
func (b *Bus) Connections(agentID string) int {
	n := 0
	for _, p := range b.peers() {
		if agentID == "" || p.agentID == agentID {
			n++
		}
	}
	return n
}

// Subscriptions returns the patterns agentID's connections subscribed to.
func (b *Bus) Subscriptions(agentID string) []string {
	var out []string
	for _, p := range b.peers() {
		if p.agentID != agentID {
			continue
		}
		p.mu.Lock()
		out = append(out, p.subs...)
		p.mu.Unlock()
	}
	return out
}

// Received returns the message and presence frames sent by agents.
func (b *Bus) Received() []wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Frame(nil), b.received...)
}

// ReceivedOfType filters Received by frame type.
func (b *Bus) ReceivedOfType(typ string) []wire.Frame {
	var out []wire.Frame
	for _, f := range b.Received() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}
