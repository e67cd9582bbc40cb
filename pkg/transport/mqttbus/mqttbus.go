// Package mqttbus carries the session over an MQTT 3.1.1 broker using paho.
// A heartbeat is a QoS 1 publish and the broker's PUBACK is its ack.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/wire"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultOpTimeout      = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesceMs   = 250
	maxPayloadSize        = 1 << 20
)

var (
	// ErrPayloadTooLarge is returned for frames over 1MB.
	ErrPayloadTooLarge = errors.New("mqttbus: payload too large")
	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("mqttbus: operation timed out")
)

// Transport connects to an MQTT broker.
type Transport struct {
	broker         string
	qos            byte
	connectTimeout time.Duration
	opTimeout      time.Duration
	keepAlive      time.Duration
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

// WithQoS sets the QoS for messages and subscriptions. Heartbeats always use 1.
func WithQoS(qos byte) Option {
	return func(t *Transport) {
		if qos <= 2 {
			t.qos = qos
		}
	}
}

// WithConnectTimeout bounds the CONNECT handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithOperationTimeout bounds publish, subscribe and unsubscribe.
func WithOperationTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.opTimeout = d
		}
	}
}

// New returns a Transport for broker, e.g. "tcp://localhost:1883".
func New(broker string, opts ...Option) *Transport {
	t := &Transport{
		broker:         broker,
		qos:            1,
		connectTimeout: defaultConnectTimeout,
		opTimeout:      defaultOpTimeout,
		keepAlive:      defaultKeepAlive,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return "mqtt" }

// Credentials returns the MQTT username and password for params. The
// broker's auth plugin sees the bus token, or the signed challenge.
func Credentials(params *auth.Params) (username, password string) {
	username = params.TenantID + "/" + params.AgentID
	if params.Token != "" {
		return username, params.Token
	}
	return username, params.Challenge + ":" + params.Signature
}

// Open connects to the broker with auto-reconnect disabled and an offline
// presence will registered.
func (t *Transport) Open(ctx context.Context, params *auth.Params, in transport.Inbound) (transport.Conn, error) {
	c := &Conn{
		in:        in,
		latch:     transport.NewLatch(),
		qos:       t.qos,
		opTimeout: t.opTimeout,
		tenantID:  params.TenantID,
		agentID:   params.AgentID,
		subs:      make(map[string]struct{}),
		logger:    t.logger.With("component", "mqttbus", "agent_id", params.AgentID),
	}

	username, password := Credentials(params)
	will, _ := wire.Encode(wire.Presence(wire.PresenceData{AgentID: params.AgentID, Status: wire.StatusOffline}))

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID(params.AgentID + "-" + wire.GenerateID()[:8])
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(t.keepAlive)
	opts.SetConnectTimeout(t.connectTimeout)
	opts.SetWill(PresenceTopic(params.TenantID, params.AgentID), string(will), 1, false)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.fail(fmt.Errorf("mqttbus: connection lost: %w", err))
	})

	c.client = pahomqtt.NewClient(opts)
	if err := c.wait(ctx, c.client.Connect(), t.connectTimeout); err != nil {
		// Abandon the attempt; a late CONNACK must not leave a live session.
		c.client.Disconnect(0)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if isAuthRefused(err) {
			return nil, &auth.AuthError{Reason: auth.ReasonRejected, Detail: err.Error()}
		}
		return nil, &auth.TransientError{Op: "connect", Err: err}
	}
	c.logger.Info("Connected", "broker", t.broker)
	return c, nil
}

func isAuthRefused(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

// Conn is a live MQTT connection.
type Conn struct {
	client    pahomqtt.Client
	in        transport.Inbound
	latch     *transport.Latch
	qos       byte
	opTimeout time.Duration
	tenantID  string
	agentID   string
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *Conn) Disconnected() <-chan transport.Disconnect { return c.latch.Events() }

func (c *Conn) Done() <-chan struct{} { return c.latch.Done() }

// Send maps f onto the matching MQTT operation.
func (c *Conn) Send(ctx context.Context, f *wire.Frame) error {
	if c.latch.Fired() {
		return transport.ErrNotConnected
	}
	switch f.Type {
	case wire.TypeHeartbeat:
		data, _ := wire.Encode(f)
		if err := c.wait(ctx, c.client.Publish(HeartbeatTopic(c.tenantID, c.agentID), 1, false, data), c.opTimeout); err != nil {
			// No PUBACK is a missed ack; the heartbeat monitor decides.
			c.logger.Debug("Heartbeat not acknowledged", "error", err)
			return nil
		}
		c.in.Deliver(wire.HeartbeatAck(), time.Now())
		return nil
	case wire.TypeMessage:
		data, err := wire.Encode(f)
		if err != nil {
			return fmt.Errorf("mqttbus: encode frame: %w", err)
		}
		return c.publish(ctx, ToMQTT(f.Topic), data, false)
	case wire.TypePresence:
		data, err := wire.Encode(f)
		if err != nil {
			return fmt.Errorf("mqttbus: encode frame: %w", err)
		}
		return c.publish(ctx, PresenceTopic(c.tenantID, c.agentID), data, false)
	case wire.TypeSubscribe:
		return c.subscribe(ctx, f.Topic)
	case wire.TypeUnsubscribe:
		return c.unsubscribe(ctx, f.Topic)
	}
	return fmt.Errorf("mqttbus: unsupported frame type %q", f.Type)
}

func (c *Conn) publish(ctx context.Context, topic string, data []byte, retained bool) error {
	if len(data) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if err := c.wait(ctx, c.client.Publish(topic, c.qos, retained, data), c.opTimeout); err != nil {
		return c.mapErr("publish", err)
	}
	return nil
}

func (c *Conn) subscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	_, ok := c.subs[pattern]
	c.mu.Unlock()
	if ok {
		return nil
	}
	tok := c.client.Subscribe(ToMQTT(pattern), c.qos, c.handle)
	if err := c.wait(ctx, tok, c.opTimeout); err != nil {
		return c.mapErr("subscribe", err)
	}
	c.mu.Lock()
	c.subs[pattern] = struct{}{}
	c.mu.Unlock()
	c.in.Deliver(&wire.Frame{Type: wire.TypeSubscribed, Topic: pattern}, time.Now())
	return nil
}

func (c *Conn) unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	_, ok := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.wait(ctx, c.client.Unsubscribe(ToMQTT(pattern)), c.opTimeout); err != nil {
		return c.mapErr("unsubscribe", err)
	}
	return nil
}

func (c *Conn) handle(_ pahomqtt.Client, m pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic delivering MQTT message", "topic", m.Topic(), "panic", r)
		}
	}()
	c.in.Deliver(transport.MessageFromPayload(FromMQTT(m.Topic()), m.Payload()), time.Now())
}

func (c *Conn) wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

func (c *Conn) mapErr(op string, err error) error {
	if c.latch.Fired() || errors.Is(err, pahomqtt.ErrNotConnected) {
		return transport.ErrNotConnected
	}
	return fmt.Errorf("mqttbus: %s: %w", op, err)
}

// Close disconnects from the broker. The will is not published on a clean
// disconnect; the session sends its own offline presence first.
func (c *Conn) Close() error {
	if c.latch.Fire(transport.ErrClosedByClient) {
		c.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

func (c *Conn) fail(err error) {
	if c.latch.Fire(err) {
		c.logger.Warn("Connection lost", "error", err)
	}
}
