// Package ws is the WebSocket transport: one JSON text frame per wire.Frame.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/wire"
)

// AgentPlaceholder in the endpoint URL is replaced by the agent id.
const AgentPlaceholder = "{agentId}"

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
	defaultSendQueue    = 16
)

// Transport dials the bus over WebSocket.
type Transport struct {
	endpoint     string
	httpClient   *http.Client
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
	sendQueue    int
	logger       *slog.Logger
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

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(t *Transport) {
		for k, vs := range h {
			for _, v := range vs {
				t.header.Add(k, v)
			}
		}
	}
}

// WithDialTimeout bounds the upgrade handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of an inbound frame.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// New returns a Transport for endpoint, e.g.
// "wss://bus.example.com/api/v1/ws/agent/{agentId}".
func New(endpoint string, opts ...Option) *Transport {
	t := &Transport{
		endpoint:     endpoint,
		header:       http.Header{},
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		sendQueue:    defaultSendQueue,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return "websocket" }

// URL builds the connection URL for params.
func (t *Transport) URL(params *auth.Params) (string, error) {
	raw := strings.ReplaceAll(t.endpoint, AgentPlaceholder, url.PathEscape(params.AgentID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("ws: parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range params.Query() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the bus and starts the reader and writer loops.
func (t *Transport) Open(ctx context.Context, params *auth.Params, in transport.Inbound) (transport.Conn, error) {
	target, err := t.URL(params)
	if err != nil {
		return nil, err
	}
	header := t.header.Clone()
	if params.Token != "" {
		header.Set("Authorization", "Bearer "+params.Token)
	}
	if params.TenantID != "" {
		header.Set(auth.TenantHeader, params.TenantID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	wsConn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, &auth.AuthError{Reason: auth.ReasonRejected, Detail: fmt.Sprintf("upgrade refused with status %d", status)}
		}
		return nil, &auth.TransientError{Op: "dial", Status: status, Err: err}
	}
	wsConn.SetReadLimit(t.readLimit)

	c := &Conn{
		ws:           wsConn,
		in:           in,
		latch:        transport.NewLatch(),
		out:          make(chan *outbound, t.sendQueue),
		writeTimeout: t.writeTimeout,
		logger:       t.logger.With("component", "ws", "agent_id", params.AgentID),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	c.logger.Info("Connected", "endpoint", t.endpoint)
	return c, nil
}

type outbound struct {
	data   []byte
	result chan error
}

// Conn is a live WebSocket connection.
type Conn struct {
	ws           *websocket.Conn
	in           transport.Inbound
	latch        *transport.Latch
	out          chan *outbound
	writeTimeout time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Conn) Disconnected() <-chan transport.Disconnect { return c.latch.Events() }

func (c *Conn) Done() <-chan struct{} { return c.latch.Done() }

// Send queues f for the writer and waits for the write to finish.
func (c *Conn) Send(ctx context.Context, f *wire.Frame) error {
	if c.latch.Fired() {
		return transport.ErrNotConnected
	}
	data, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}
	o := &outbound{data: data, result: make(chan error, 1)}
	select {
	case c.out <- o:
	case <-c.latch.Done():
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.result:
		return err
	case <-c.latch.Done():
		select {
		case err := <-o.result:
			return err
		default:
			return transport.ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues f without waiting. Used for replies from the reader.
func (c *Conn) trySend(f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	select {
	case c.out <- &outbound{data: data, result: make(chan error, 1)}:
	default:
		c.logger.Warn("Send queue full, dropping reply", "type", f.Type)
	}
}

// Close sends a normal closure and waits for both loops to stop. A failed
// closing handshake is logged; the connection is gone either way.
func (c *Conn) Close() error {
	if c.latch.Fire(transport.ErrClosedByClient) {
		if err := c.ws.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			c.logger.Debug("Close handshake incomplete", "error", err)
			c.ws.CloseNow()
		}
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Conn) fail(err error) {
	if c.latch.Fire(err) {
		c.logger.Warn("Connection lost", "error", err)
		c.cancel()
		c.ws.CloseNow()
	}
}

func (c *Conn) readPump() {
	defer c.wg.Done()
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.latch.Fired() {
				return
			}
			status := websocket.CloseStatus(err)
			if status != -1 {
				c.fail(fmt.Errorf("ws: closed by server (status %d): %w", status, err))
			} else {
				c.fail(fmt.Errorf("ws: read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("Ignoring binary frame", "bytes", len(data))
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		if f.Type == wire.TypeHeartbeat {
			c.trySend(wire.HeartbeatAck())
			continue
		}
		c.in.Deliver(f, time.Now())
	}
}

func (c *Conn) writePump() {
	defer c.wg.Done()
	for {
		select {
		case o := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, o.data)
			cancel()
			o.result <- err
			if err != nil {
				c.fail(fmt.Errorf("ws: write: %w", err))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
