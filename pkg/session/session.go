// Package session is the agent-facing API: it authenticates, keeps one
// transport connection alive with heartbeats, restores it after failures
// and dispatches inbound messages to subscription handlers.
//
// A Session is safe for concurrent use. Every topic and pattern passed to it
// is an application topic; the tenant namespace is added and removed here.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/heartbeat"
	"github.com/artcafeai/agentmq/pkg/identity"
	"github.com/artcafeai/agentmq/pkg/reconnect"
	"github.com/artcafeai/agentmq/pkg/router"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/wire"
)

var (
	// ErrNotConnected is returned by Publish when no connection is live.
	ErrNotConnected = transport.ErrNotConnected
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session: closed")
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives messages for a subscription. Envelope.Topic is the
// application topic with the tenant namespace removed.
type Handler = router.Handler

// Health is a point-in-time view of the connection.
type Health struct {
	Healthy           bool
	Connected         bool
	State             State
	LastAckAt         time.Time
	SecondsSinceAck   float64
	ReconnectAttempts int
	MissedHeartbeats  int
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Session owns one agent identity's connection to the bus.
type Session struct {
	id        identity.Identity
	authn     auth.Authenticator
	transport transport.Transport
	opts      Options
	logger    *slog.Logger

	router   *router.Router
	monitor  *heartbeat.Monitor
	ctrl     *reconnect.Controller
	events   *events
	counters *counters
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	connCancel context.CancelFunc
	connecting *connectAttempt
	terminal   error

	// subMu orders subscribe and unsubscribe against subscription replay.
	subMu sync.Mutex

	lost      chan error
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session for id that authenticates with authn and connects
// through tr. It does not connect.
func New(id identity.Identity, authn auth.Authenticator, tr transport.Transport, opts ...Option) (*Session, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(id, authn, tr, o)
}

// NewWithOptions creates a session from an Options struct.
func NewWithOptions(id identity.Identity, authn auth.Authenticator, tr transport.Transport, opts Options) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if authn == nil {
		return nil, errors.New("session: authenticator is required")
	}
	if tr == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	logger := opts.Logger.With("component", "session", "agent_id", id.AgentID, "tenant_id", id.TenantID)
	s := &Session{
		id:        id,
		authn:     authn,
		transport: tr,
		opts:      opts,
		logger:    logger,
		router:    router.New(router.WithLogger(opts.Logger.With("agent_id", id.AgentID))),
		monitor:   heartbeat.New(opts.heartbeatConfig(), heartbeat.WithLogger(logger)),
		events:    newEvents(defaultEventBuffer),
		metrics:   newMetrics(id),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.counters = newCounters(s.metrics)
	s.ctrl = reconnect.New(opts.reconnectPolicy(), s.establish, reconnect.WithLogger(logger))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics.register(opts.Registerer, logger)
	return s, nil
}

// Identity returns the session's identity.
func (s *Session) Identity() identity.Identity { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Watch returns a channel of lifecycle events and a function that stops
// the subscription. The channel is closed when the session closes.
func (s *Session) Watch() (<-chan Event, func()) { return s.events.watch() }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats { return s.counters.snapshot() }

// setLocked changes state and reports it. s.mu must be held.
func (s *Session) setLocked(st State, err error) {
	if s.state == st {
		return
	}
	s.state = st
	s.metrics.state.Set(float64(st))
	s.events.emit(Event{Kind: EventState, State: st, Err: err, At: time.Now()})
}

// Connect authenticates and opens a connection once. It is a no-op while
// connected or recovering; concurrent callers share one attempt. It does
// not retry; Run does.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		err := s.terminal
		s.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	case StateConnected, StateReconnecting:
		s.mu.Unlock()
		return nil
	case StateAuthenticating:
		attempt := s.connecting
		s.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	s.connecting = attempt
	s.setLocked(StateAuthenticating, nil)
	s.mu.Unlock()

	// Close cancels the attempt.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(s.ctx, stop)()
	err := s.establish(ctx)

	s.mu.Lock()
	if err != nil && s.state == StateAuthenticating {
		s.setLocked(StateDisconnected, err)
	}
	s.connecting = nil
	s.mu.Unlock()

	attempt.err = err
	close(attempt.done)
	if err != nil {
		s.logger.Warn("Connect failed", "error", err)
	}
	return err
}

// establish negotiates, opens a connection, and brings it into service:
// heartbeats start, subscriptions are replayed and presence is announced.
func (s *Session) establish(ctx context.Context) error {
	params, err := s.authn.Negotiate(ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := s.transport.Open(ctx, params, transport.Inbound{
		OnFrame:        s.handleFrame,
		OnHeartbeatAck: s.monitor.Ack,
	})
	if err != nil {
		return err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if err := s.attach(conn); err != nil {
		conn.Close()
		return err
	}
	s.resubscribe(conn)
	s.announce(conn, wire.StatusOnline, s.opts.SendTimeout)
	s.logger.Info("Session connected", "transport", s.transport.Name())
	return nil
}

// attach makes conn the live connection and starts its supervisor and
// heartbeat loops.
func (s *Session) attach(conn transport.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	recovering := s.state == StateReconnecting
	connCtx, cancel := context.WithCancel(s.ctx)
	s.conn = conn
	s.connCancel = cancel
	s.monitor.Start(time.Now())
	s.setLocked(StateConnected, nil)
	if recovering {
		s.counters.reconnected()
		s.events.emit(Event{Kind: EventReconnected, State: StateConnected, At: time.Now()})
	}

	timeouts := make(chan error, 1)
	s.wg.Add(2)
	go s.heartbeat(connCtx, conn, timeouts)
	go s.supervise(connCtx, conn, timeouts)
	return nil
}

func (s *Session) heartbeat(ctx context.Context, conn transport.Conn, timeouts chan<- error) {
	defer s.wg.Done()
	err := s.monitor.Run(ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
		if err := conn.Send(sctx, wire.Heartbeat()); err != nil {
			return err
		}
		s.counters.heartbeat()
		return nil
	})
	if errors.Is(err, heartbeat.ErrTimeout) {
		timeouts <- err
	}
}

// supervise waits for conn to end, by transport failure or heartbeat
// timeout, and hands over to recovery.
func (s *Session) supervise(ctx context.Context, conn transport.Conn, timeouts <-chan error) {
	defer s.wg.Done()
	var cause error
	select {
	case <-ctx.Done():
		return
	case d := <-conn.Disconnected():
		cause = d.Reason
	case err := <-timeouts:
		cause = err
		conn.Close()
	}
	s.connectionLost(conn, cause)
}

func (s *Session) connectionLost(conn transport.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connCancel()
	auto := s.opts.AutoReconnect
	s.events.emit(Event{Kind: EventDisconnected, State: s.state, Err: cause, At: time.Now()})
	if auto {
		s.setLocked(StateReconnecting, cause)
	} else {
		s.setLocked(StateDisconnected, cause)
	}
	s.mu.Unlock()

	s.counters.disconnected()
	s.logger.Warn("Connection lost", "cause", cause, "auto_reconnect", auto)
	if !auto {
		select {
		case s.lost <- cause:
		default:
		}
		return
	}
	s.recover(cause)
}

// recover drives the reconnection controller. A fatal outcome closes the
// session.
func (s *Session) recover(cause error) error {
	err := s.ctrl.Recover(s.ctx, cause)
	if err == nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.terminate(err)
	return err
}

// terminate records a fatal error and closes the session in the background.
func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.terminal == nil {
		s.terminal = err
	}
	s.events.emit(Event{Kind: EventFatal, State: s.state, Err: err, At: time.Now()})
	s.mu.Unlock()
	s.logger.Error("Session failed", "error", err)
	go s.Close()
}

func (s *Session) resubscribe(conn transport.Conn) {
	patterns := s.router.Patterns()
	if len(patterns) == 0 {
		return
	}
	s.logger.Info("Re-subscribing", "count", len(patterns))
	for _, p := range patterns {
		if err := s.sendControl(conn, wire.Subscribe(s.id.Qualify(p)), s.opts.SendTimeout); err != nil {
			s.logger.Warn("Re-subscribe failed", "pattern", p, "error", err)
		}
	}
}

func (s *Session) announce(conn transport.Conn, status string, timeout time.Duration) {
	f := wire.Presence(wire.PresenceData{
		AgentID:      s.id.AgentID,
		Status:       status,
		Capabilities: s.opts.Capabilities,
		Metadata:     s.opts.Metadata,
	})
	if err := s.sendControl(conn, f, timeout); err != nil {
		s.logger.Warn("Presence announcement failed", "status", status, "error", err)
	}
}

func (s *Session) sendControl(conn transport.Conn, f *wire.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return conn.Send(ctx, f)
}

func (s *Session) handleFrame(f *wire.Frame) {
	switch f.Type {
	case wire.TypeMessage:
		topic, err := s.id.Strip(f.Topic)
		if err != nil {
			s.counters.dropped("foreign_topic")
			s.logger.Warn("Dropping message outside tenant namespace", "subject", f.Topic)
			return
		}
		s.counters.received(topic, len(f.Data))
		if n := s.router.Dispatch(wire.EnvelopeFrom(f, topic)); n == 0 {
			s.counters.dropped("no_subscription")
			s.logger.Debug("No subscription for message", "topic", topic, "id", f.ID)
		}
	case wire.TypeSubscribed:
		s.logger.Debug("Subscription confirmed", "subject", f.Topic)
	case wire.TypeError:
		s.logger.Warn("Bus reported an error", "message", f.Message, "subject", f.Topic)
		s.events.emit(Event{Kind: EventServerError, State: s.State(), Err: errors.New(f.Message), At: time.Now()})
	case wire.TypePresence:
		s.logger.Debug("Presence update", "data", string(f.Data))
	default:
		s.logger.Debug("Ignoring frame", "type", f.Type)
	}
}

func (s *Session) liveConn() (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.conn == nil || s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Publish sends payload to the application topic. It fails fast with
// ErrNotConnected while no connection is live; nothing is queued.
func (s *Session) Publish(ctx context.Context, topic string, payload any) error {
	if err := router.ValidateTopic(topic); err != nil {
		return err
	}
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	f, err := wire.NewMessage(s.id.Qualify(topic), payload)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, f); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("session: publish %s: %w", topic, err)
	}
	s.counters.sent(topic, len(f.Data))
	return nil
}

// Subscribe registers handler for pattern. The pattern is kept for the
// life of the session and replayed after every reconnection; the server
// is told right away only if a connection is live.
func (s *Session) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.State() == StateClosed {
		return ErrClosed
	}
	if err := s.router.Register(pattern, handler); err != nil {
		return err
	}
	if conn, err := s.liveConn(); err == nil {
		if err := conn.Send(ctx, wire.Subscribe(s.id.Qualify(pattern))); err != nil {
			s.logger.Warn("Subscribe request failed, will replay on reconnect", "pattern", pattern, "error", err)
		}
	}
	s.logger.Info("Subscribed", "pattern", pattern)
	return nil
}

// Unsubscribe removes the handler for pattern.
func (s *Session) Unsubscribe(ctx context.Context, pattern string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.State() == StateClosed {
		return ErrClosed
	}
	if err := s.router.Unregister(pattern); err != nil {
		return err
	}
	if conn, err := s.liveConn(); err == nil {
		if err := conn.Send(ctx, wire.Unsubscribe(s.id.Qualify(pattern))); err != nil {
			s.logger.Warn("Unsubscribe request failed", "pattern", pattern, "error", err)
		}
	}
	s.logger.Info("Unsubscribed", "pattern", pattern)
	return nil
}

// Health reports connection health. It only reads state.
func (s *Session) Health() Health {
	now := time.Now()
	s.mu.Lock()
	state := s.state
	connected := s.conn != nil && state == StateConnected
	s.mu.Unlock()

	rec := s.monitor.Record()
	return Health{
		Healthy:           connected && s.monitor.Healthy(now),
		Connected:         connected,
		State:             state,
		LastAckAt:         rec.LastAckAt,
		SecondsSinceAck:   s.monitor.SinceAck(now).Seconds(),
		ReconnectAttempts: s.ctrl.Attempts(),
		MissedHeartbeats:  rec.MissedCount,
	}
}

// Run connects and keeps the session alive until ctx is cancelled, then
// closes it and returns nil. It returns early with an error when recovery
// gives up, or when the connection is lost with AutoReconnect off; the
// session is closed in both cases.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	select {
	case <-s.lost:
	default:
	}

	if err := s.Connect(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return s.closeResult(ctx)
		}
		if !s.opts.AutoReconnect || reconnect.IsFatal(err) {
			s.terminate(err)
			<-s.done
			return err
		}
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return s.closeResult(ctx)
		}
		if s.state == StateDisconnected {
			s.setLocked(StateReconnecting, err)
		}
		s.wg.Add(1)
		s.mu.Unlock()
		err = s.recover(err)
		s.wg.Done()
		if err != nil {
			<-s.done
			return err
		}
	}

	select {
	case <-s.done:
		return s.closeResult(ctx)
	case err := <-s.lost:
		s.mu.Lock()
		if s.terminal == nil {
			s.terminal = err
		}
		s.mu.Unlock()
		s.Close()
		return err
	}
}

func (s *Session) closeResult(ctx context.Context) error {
	<-s.done
	if ctx.Err() != nil {
		return nil
	}
	return s.Err()
}

// Close announces offline presence, closes the connection and waits for
// every background loop and running handler to finish. No handler runs
// and no frame is written after it returns. It is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.setLocked(StateClosed, s.terminal)
		s.mu.Unlock()

		s.logger.Info("Closing session")
		if conn != nil {
			s.announce(conn, wire.StatusOffline, defaultCloseTimeout)
		}
		s.cancel()
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()
		s.router.Close()
		s.events.shutdown()
		s.metrics.unregister(s.opts.Registerer)
		close(s.done)
		s.logger.Info("Session closed")
	})
	<-s.done
	return nil
}
