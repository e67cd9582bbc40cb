// Package natsbus carries the session over a NATS connection. Subjects are
// used as-is since NATS shares the "*" and ">" wildcard syntax; heartbeats
// are acknowledged by a server flush round trip.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/wire"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultFlushTimeout   = 5 * time.Second
)

// HeartbeatSubject is where heartbeats are published for an agent.
func HeartbeatSubject(tenantID, agentID string) string {
	return "_HEARTBEAT." + tenantID + "." + agentID
}

// PresenceSubject is where presence announcements are published.
func PresenceSubject(tenantID, agentID string) string {
	return "_PRESENCE.tenant." + tenantID + ".client." + agentID
}

// Transport connects to a NATS server.
type Transport struct {
	url            string
	nkey           *credential.NKeySigner
	connectTimeout time.Duration
	flushTimeout   time.Duration
	extra          []nats.Option
	logger         *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNKey authenticates with an NKey instead of the bus token.
func WithNKey(s *credential.NKeySigner) Option {
	return func(t *Transport) { t.nkey = s }
}

// WithConnectTimeout bounds the initial connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithFlushTimeout bounds the round trip that acknowledges a heartbeat.
func WithFlushTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.flushTimeout = d
		}
	}
}

// WithNATSOptions appends raw nats.go options. Reconnect-related options
// are overridden: the session owns reconnection.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) { t.extra = append(t.extra, opts...) }
}

// New returns a Transport for the server at url.
func New(url string, opts ...Option) *Transport {
	if url == "" {
		url = nats.DefaultURL
	}
	t := &Transport{
		url:            url,
		connectTimeout: defaultConnectTimeout,
		flushTimeout:   defaultFlushTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return "nats" }

// Open connects to NATS. The server's auth callout sees the agent token or,
// when an NKey is configured, the nonce signature.
func (t *Transport) Open(ctx context.Context, params *auth.Params, in transport.Inbound) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Conn{
		in:           in,
		latch:        transport.NewLatch(),
		subs:         make(map[string]*nats.Subscription),
		tenantID:     params.TenantID,
		agentID:      params.AgentID,
		flushTimeout: t.flushTimeout,
		logger:       t.logger.With("component", "natsbus", "agent_id", params.AgentID),
	}

	opts := append([]nats.Option{}, t.extra...)
	opts = append(opts,
		nats.Name("agentmq-"+params.AgentID),
		nats.Timeout(t.connectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err == nil {
				err = transport.ErrNotConnected
			}
			c.fail(nc, fmt.Errorf("natsbus: disconnected: %w", err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.fail(nc, transport.ErrNotConnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("Async NATS error", "subject", subject, "error", err)
		}),
	)
	switch {
	case t.nkey != nil:
		opts = append(opts, nats.Nkey(t.nkey.PublicKey(), t.nkey.Sign))
	case params.Token != "":
		opts = append(opts, nats.Token(params.Token))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, &auth.AuthError{Reason: auth.ReasonRejected, Detail: err.Error()}
		}
		return nil, &auth.TransientError{Op: "connect", Err: err}
	}
	c.nc = nc
	c.logger.Info("Connected", "url", nc.ConnectedUrlRedacted())
	return c, nil
}

// Conn is a live NATS connection.
type Conn struct {
	nc           *nats.Conn
	in           transport.Inbound
	latch        *transport.Latch
	tenantID     string
	agentID      string
	flushTimeout time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (c *Conn) Disconnected() <-chan transport.Disconnect { return c.latch.Events() }

func (c *Conn) Done() <-chan struct{} { return c.latch.Done() }

// Send maps f onto the matching NATS operation.
func (c *Conn) Send(ctx context.Context, f *wire.Frame) error {
	if c.latch.Fired() {
		return transport.ErrNotConnected
	}
	switch f.Type {
	case wire.TypeHeartbeat:
		return c.heartbeat(ctx)
	case wire.TypeMessage:
		data, err := wire.Encode(f)
		if err != nil {
			return fmt.Errorf("natsbus: encode frame: %w", err)
		}
		return c.publish(f.Topic, data)
	case wire.TypePresence:
		return c.publish(PresenceSubject(c.tenantID, c.agentID), f.Data)
	case wire.TypeSubscribe:
		return c.subscribe(f.Topic)
	case wire.TypeUnsubscribe:
		return c.unsubscribe(f.Topic)
	}
	return fmt.Errorf("natsbus: unsupported frame type %q", f.Type)
}

func (c *Conn) publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *Conn) heartbeat(ctx context.Context) error {
	if err := c.nc.Publish(HeartbeatSubject(c.tenantID, c.agentID), nil); err != nil {
		return c.mapErr(err)
	}
	timeout := c.flushTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if err := c.nc.FlushTimeout(timeout); err != nil {
		// A missed flush is a missed ack; the heartbeat monitor decides.
		c.logger.Debug("Heartbeat flush failed", "error", err)
		return nil
	}
	c.in.Deliver(wire.HeartbeatAck(), time.Now())
	return nil
}

func (c *Conn) subscribe(pattern string) error {
	c.mu.Lock()
	if _, ok := c.subs[pattern]; ok {
		c.mu.Unlock()
		return nil
	}
	sub, err := c.nc.Subscribe(pattern, func(m *nats.Msg) {
		c.in.Deliver(transport.MessageFromPayload(m.Subject, m.Data), time.Now())
	})
	if err != nil {
		c.mu.Unlock()
		return c.mapErr(err)
	}
	c.subs[pattern] = sub
	c.mu.Unlock()
	c.in.Deliver(&wire.Frame{Type: wire.TypeSubscribed, Topic: pattern}, time.Now())
	return nil
}

func (c *Conn) unsubscribe(pattern string) error {
	c.mu.Lock()
	sub, ok := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("natsbus: unsubscribe %s: %w", pattern, err)
	}
	return nil
}

func (c *Conn) mapErr(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) {
		return transport.ErrNotConnected
	}
	return fmt.Errorf("natsbus: %w", err)
}

// Close closes the NATS connection.
func (c *Conn) Close() error {
	if c.latch.Fire(transport.ErrClosedByClient) {
		c.nc.Close()
	}
	return nil
}

func (c *Conn) fail(nc *nats.Conn, err error) {
	if c.latch.Fire(err) {
		c.logger.Warn("Connection lost", "error", err)
		nc.Close()
	}
}
