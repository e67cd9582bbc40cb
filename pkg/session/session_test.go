package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/reconnect"
	"github.com/artcafeai/agentmq/pkg/router"
	"github.com/artcafeai/agentmq/pkg/testutil"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/transport/ws"
	"github.com/artcafeai/agentmq/pkg/wire"
)

const waitTimeout = 3 * time.Second

type fixture struct {
	bus       *testutil.Bus
	session   *Session
	negotiate atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{bus: testutil.NewBus(t)}
	id, signer := f.bus.NewAgent(t, "agent-1", "acme")
	neg := auth.NewNegotiator(f.bus.URL, id, signer, auth.WithLogger(testutil.DefaultLogger))
	counted := auth.AuthenticatorFunc(func(ctx context.Context) (*auth.Params, error) {
		f.negotiate.Add(1)
		return neg.Negotiate(ctx)
	})
	tr := ws.New(f.bus.WSURL, ws.WithLogger(testutil.DefaultLogger))

	base := []Option{
		WithLogger(testutil.DefaultLogger),
		WithHeartbeat(50*time.Millisecond, 3),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	}
	s, err := New(id, counted, tr, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.session = s
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Connect(context.Background()))
	require.NoError(t, testutil.WaitForConnections(t, f.bus.Bus, "agent-1", 1, waitTimeout))
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	data   []json.RawMessage
}

func (r *recorder) handle(_ context.Context, env *wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, env.Topic)
	r.data = append(r.data, env.Payload)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (r *recorder) lastTopic() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.topics) == 0 {
		return ""
	}
	return r.topics[len(r.topics)-1]
}

func TestNewValidates(t *testing.T) {
	bus := testutil.NewBus(t)
	id, signer := bus.NewAgent(t, "agent-1", "acme")
	neg := auth.NewNegotiator(bus.URL, id, signer)
	tr := ws.New(bus.WSURL)

	_, err := New(id, nil, tr)
	assert.Error(t, err)
	_, err = New(id, neg, nil)
	assert.Error(t, err)
	id.TenantID = ""
	_, err = New(id, neg, tr)
	assert.Error(t, err)
}

func TestConnectAndPublishRoundTrip(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, f.session.Subscribe(ctx, "tasks.*", rec.handle))
	f.connect(t)
	assert.Equal(t, StateConnected, f.session.State())
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.tasks.*", waitTimeout))

	require.NoError(t, f.session.Publish(ctx, "tasks.new", map[string]string{"job": "42"}))
	require.NoError(t, testutil.WaitFor(t, "echoed message", waitTimeout, func() bool { return rec.count() == 1 }))
	assert.Equal(t, "tasks.new", rec.lastTopic())

	msgs := f.bus.ReceivedOfType(wire.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tenants.acme.tasks.new", msgs[0].Topic)
	assert.NotEmpty(t, msgs[0].ID)
	assert.NotEmpty(t, msgs[0].Timestamp)

	stats := f.session.Stats()
	assert.Equal(t, uint64(1), stats.Topics["tasks.new"].MessagesSent)
	assert.Equal(t, uint64(1), stats.Topics["tasks.new"].MessagesReceived)
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.session.Connect(context.Background()))
	require.NoError(t, f.session.Connect(context.Background()))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.bus.Connects())
	assert.Equal(t, int32(1), f.negotiate.Load())
	// One ticker at 50ms gives about six beats in 300ms; a second ticker would double it.
	assert.LessOrEqual(t, f.bus.Heartbeats(), 8)
}

func TestConcurrentConnectSharesOneAttempt(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.session.Connect(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, testutil.WaitForConnections(t, f.bus.Bus, "agent-1", 1, waitTimeout))
	assert.Equal(t, 1, f.bus.Connects())
	assert.Equal(t, int32(1), f.negotiate.Load())
}

func TestPublishFailsFastWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.session.Publish(ctx, "tasks.new", "x"), ErrNotConnected)

	f.connect(t)
	assert.ErrorIs(t, f.session.Publish(ctx, "tasks.*", "x"), router.ErrInvalidTopic)
	assert.ErrorIs(t, f.session.Publish(ctx, "", "x"), router.ErrInvalidTopic)

	require.NoError(t, f.session.Close())
	assert.ErrorIs(t, f.session.Publish(ctx, "tasks.new", "x"), ErrClosed)
	assert.ErrorIs(t, f.session.Connect(ctx), ErrClosed)
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	ctx := context.Background()
	f.connect(t)
	require.NoError(t, f.session.Subscribe(ctx, "tasks.>", rec.handle))
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.tasks.>", waitTimeout))

	f.bus.DropConnections()
	require.NoError(t, testutil.WaitFor(t, "reconnect", waitTimeout, func() bool {
		return f.bus.Connects() == 2 && f.session.State() == StateConnected
	}))
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.tasks.>", waitTimeout))

	n, err := f.bus.Publish("tenants.acme.tasks.build.done", map[string]int{"ok": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, testutil.WaitFor(t, "handler after reconnect", waitTimeout, func() bool { return rec.count() == 1 }))
	assert.Equal(t, "tasks.build.done", rec.lastTopic())

	stats := f.session.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Equal(t, uint64(1), stats.Disconnects)
	assert.Equal(t, 0, f.session.Health().ReconnectAttempts)
}

func TestSubscribeWhileDisconnectedIsReplayed(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	require.NoError(t, f.session.Subscribe(context.Background(), "alerts", rec.handle))
	assert.Empty(t, f.bus.Subscriptions("agent-1"))

	f.connect(t)
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.alerts", waitTimeout))
}

func TestSubscribeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, f.session.Subscribe(ctx, "a.b", rec.handle))
	assert.ErrorIs(t, f.session.Subscribe(ctx, "a.b", rec.handle), router.ErrAlreadyRegistered)
	assert.ErrorIs(t, f.session.Subscribe(ctx, "a.>.b", rec.handle), router.ErrInvalidPattern)
	assert.ErrorIs(t, f.session.Unsubscribe(ctx, "nope"), router.ErrNotRegistered)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	ctx := context.Background()
	f.connect(t)
	require.NoError(t, f.session.Subscribe(ctx, "news", rec.handle))
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.news", waitTimeout))

	require.NoError(t, f.session.Unsubscribe(ctx, "news"))
	require.NoError(t, testutil.WaitFor(t, "bus unsubscribed", waitTimeout, func() bool {
		return len(f.bus.Subscriptions("agent-1")) == 0
	}))
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var failing atomic.Int32
	rec := &recorder{}

	require.NoError(t, f.session.Subscribe(ctx, "tasks.*", func(context.Context, *wire.Envelope) error {
		if failing.Add(1)%2 == 0 {
			panic("handler bug")
		}
		return errors.New("always fails")
	}))
	require.NoError(t, f.session.Subscribe(ctx, "tasks.new", rec.handle))
	f.connect(t)
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.tasks.new", waitTimeout))

	for i := 0; i < 3; i++ {
		_, err := f.bus.Publish("tenants.acme.tasks.new", i)
		require.NoError(t, err)
	}
	require.NoError(t, testutil.WaitFor(t, "healthy handler", waitTimeout, func() bool { return rec.count() == 3 }))
	require.NoError(t, testutil.WaitFor(t, "failing handler ran", waitTimeout, func() bool { return failing.Load() == 3 }))
	assert.Equal(t, StateConnected, f.session.State())
}

func TestForeignTenantMessageIsDropped(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	require.NoError(t, f.session.Subscribe(context.Background(), ">", rec.handle))
	f.connect(t)

	raw, err := wire.Encode(&wire.Frame{Type: wire.TypeMessage, ID: "x", Topic: "tenants.other.secrets", Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.SendRaw("agent-1", raw))

	require.NoError(t, testutil.WaitFor(t, "drop counted", waitTimeout, func() bool { return f.session.Stats().Dropped == 1 }))
	assert.Equal(t, 0, rec.count())
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	f := newFixture(t, WithHeartbeat(30*time.Millisecond, 2))
	f.connect(t)
	require.NoError(t, testutil.WaitFor(t, "first heartbeat", waitTimeout, func() bool { return f.bus.Heartbeats() > 0 }))

	f.bus.SetDropAcks(true)
	require.NoError(t, testutil.WaitFor(t, "reconnect after silence", waitTimeout, func() bool {
		return f.bus.Connects() >= 2
	}))
	f.bus.SetDropAcks(false)

	require.NoError(t, testutil.WaitFor(t, "healthy again", waitTimeout, func() bool {
		h := f.session.Health()
		return h.Healthy && h.Connected && f.session.Stats().Disconnects >= 1
	}))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h := f.session.Health()
	assert.False(t, h.Healthy)
	assert.False(t, h.Connected)
	assert.Equal(t, StateDisconnected, h.State)

	f.connect(t)
	require.NoError(t, testutil.WaitFor(t, "ack", waitTimeout, func() bool { return f.bus.Heartbeats() >= 2 }))
	h = f.session.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Connected)
	assert.Equal(t, StateConnected, h.State)
	assert.False(t, h.LastAckAt.IsZero())
	assert.Less(t, h.SecondsSinceAck, 0.15)
	assert.Equal(t, 0, h.ReconnectAttempts)

	// Health is a pure read.
	assert.Equal(t, h.LastAckAt, f.session.Health().LastAckAt)
}

func TestExpiredChallengeIsRetriedWithFreshOne(t *testing.T) {
	f := newFixture(t)
	f.bus.ExpireNextChallenges(1)
	f.connect(t)
	assert.Equal(t, 2, f.bus.ChallengesIssued())
	assert.Equal(t, 1, f.bus.Verifications())
}

func TestRejectedExhaustsBoundedReconnect(t *testing.T) {
	f := newFixture(t, WithMaxReconnectAttempts(2))
	f.bus.SetReject(true)

	err := f.session.Run(context.Background())
	var exhausted *reconnect.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, err, auth.ErrRejected)
	assert.Equal(t, StateClosed, f.session.State())
	assert.ErrorIs(t, f.session.Connect(context.Background()), auth.ErrRejected)
}

func TestRunRecoversFromInitialFailure(t *testing.T) {
	f := newFixture(t)
	f.bus.SetRefuseUpgrade(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()

	require.NoError(t, testutil.WaitFor(t, "retrying", waitTimeout, func() bool {
		return f.session.State() == StateReconnecting && f.bus.ChallengesIssued() >= 2
	}))
	f.bus.SetRefuseUpgrade(false)
	require.NoError(t, testutil.WaitForConnections(t, f.bus.Bus, "agent-1", 1, waitTimeout))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateClosed, f.session.State())
}

func TestRunWithoutAutoReconnectReturnsLoss(t *testing.T) {
	f := newFixture(t, WithAutoReconnect(false))
	done := make(chan error, 1)
	go func() { done <- f.session.Run(context.Background()) }()
	require.NoError(t, testutil.WaitForConnections(t, f.bus.Bus, "agent-1", 1, waitTimeout))

	f.bus.DropConnections()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after connection loss")
	}
	assert.Equal(t, StateClosed, f.session.State())
	assert.Equal(t, 1, f.bus.Connects())
}

func TestCloseFreezesActivity(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	ctx := context.Background()
	require.NoError(t, f.session.Subscribe(ctx, "ticks", rec.handle))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.session.Run(runCtx) }()
	require.NoError(t, testutil.WaitForSubscription(t, f.bus.Bus, "agent-1", "tenants.acme.ticks", waitTimeout))

	for i := 0; i < 5; i++ {
		_, err := f.bus.Publish("tenants.acme.ticks", i)
		require.NoError(t, err)
	}
	require.NoError(t, testutil.WaitFor(t, "ticks", waitTimeout, func() bool { return rec.count() == 5 }))

	cancel()
	require.NoError(t, <-done)
	handled, beats, connects, stats := rec.count(), f.bus.Heartbeats(), f.bus.Connects(), f.session.Stats()

	require.NoError(t, testutil.WaitForConnections(t, f.bus.Bus, "agent-1", 0, waitTimeout))
	_, err := f.bus.Publish("tenants.acme.ticks", "late")
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, handled, rec.count())
	assert.Equal(t, beats, f.bus.Heartbeats())
	assert.Equal(t, connects, f.bus.Connects())
	assert.Equal(t, stats, f.session.Stats())
	require.NoError(t, f.session.Close())
}

func TestPresenceAnnouncements(t *testing.T) {
	f := newFixture(t, WithCapabilities("search", "summarize"), WithMetadata(map[string]string{"version": "1.2"}))
	f.connect(t)
	require.NoError(t, testutil.WaitFor(t, "online presence", waitTimeout, func() bool {
		return len(f.bus.ReceivedOfType(wire.TypePresence)) == 1
	}))
	var online wire.PresenceData
	require.NoError(t, json.Unmarshal(f.bus.ReceivedOfType(wire.TypePresence)[0].Data, &online))
	assert.Equal(t, wire.PresenceData{
		AgentID:      "agent-1",
		Status:       wire.StatusOnline,
		Capabilities: []string{"search", "summarize"},
		Metadata:     map[string]string{"version": "1.2"},
	}, online)

	require.NoError(t, f.session.Close())
	require.NoError(t, testutil.WaitFor(t, "offline presence", waitTimeout, func() bool {
		return len(f.bus.ReceivedOfType(wire.TypePresence)) == 2
	}))
	presence := f.bus.ReceivedOfType(wire.TypePresence)
	var offline wire.PresenceData
	require.NoError(t, json.Unmarshal(presence[1].Data, &offline))
	assert.Equal(t, wire.StatusOffline, offline.Status)
}

func TestWatchReportsLifecycle(t *testing.T) {
	f := newFixture(t)
	events, stop := f.session.Watch()
	defer stop()

	var mu sync.Mutex
	var seen []Event
	go func() {
		for ev := range events {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		}
	}()
	has := func(kind EventKind, state State) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Kind == kind && ev.State == state {
				return true
			}
		}
		return false
	}

	f.connect(t)
	require.NoError(t, testutil.WaitFor(t, "connected event", waitTimeout, func() bool {
		return has(EventState, StateAuthenticating) && has(EventState, StateConnected)
	}))

	f.bus.DropConnections()
	require.NoError(t, testutil.WaitFor(t, "recovery events", waitTimeout, func() bool {
		return has(EventDisconnected, StateConnected) && has(EventState, StateReconnecting) && has(EventReconnected, StateConnected)
	}))

	require.NoError(t, f.session.Close())
	require.NoError(t, testutil.WaitFor(t, "closed event", waitTimeout, func() bool { return has(EventState, StateClosed) }))
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithRegisterer(reg))
	f.connect(t)
	require.NoError(t, f.session.Publish(context.Background(), "metrics.test", []byte(`{"v":1}`)))

	assert.Equal(t, 1.0, promtest.ToFloat64(f.session.metrics.messages.WithLabelValues("out")))
	assert.Equal(t, float64(StateConnected), promtest.ToFloat64(f.session.metrics.state))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["agentmq_session_messages_total"])
	assert.True(t, names["agentmq_session_state"])

	require.NoError(t, f.session.Close())
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 30*time.Second, o.HeartbeatInterval)
	assert.Equal(t, 3.0, o.HeartbeatTimeoutMultiplier)
	assert.True(t, o.AutoReconnect)
	assert.Equal(t, 0, o.MaxReconnectAttempts)

	for _, opt := range []Option{
		WithHeartbeat(10*time.Second, 2),
		WithBackoff(100*time.Millisecond, 5*time.Second),
		WithMaxReconnectAttempts(4),
		WithAutoReconnect(false),
		WithSendTimeout(time.Second),
	} {
		opt(&o)
	}
	assert.Equal(t, 20*time.Second, o.heartbeatConfig().Timeout())
	p := o.reconnectPolicy()
	assert.Equal(t, 100*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.False(t, o.AutoReconnect)
	assert.Equal(t, time.Second, o.SendTimeout)
}

type countingTransport struct {
	transport.Transport
	opens atomic.Int32
}

func (c *countingTransport) Open(ctx context.Context, p *auth.Params, in transport.Inbound) (transport.Conn, error) {
	c.opens.Add(1)
	return c.Transport.Open(ctx, p, in)
}

func TestCloseAbortsInFlightConnect(t *testing.T) {
	bus := testutil.NewBus(t)
	id, signer := bus.NewAgent(t, "agent-1", "acme")
	neg := auth.NewNegotiator(bus.URL, id, signer, auth.WithLogger(testutil.DefaultLogger))

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	slow := auth.AuthenticatorFunc(func(ctx context.Context) (*auth.Params, error) {
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return neg.Negotiate(context.Background())
	})
	tr := &countingTransport{Transport: ws.New(bus.WSURL, ws.WithLogger(testutil.DefaultLogger))}
	s, err := New(id, slow, tr, WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()
	<-started

	require.NoError(t, s.Close())
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return after Close")
	}
	assert.True(t, sawCancel.Load(), "authenticator context is cancelled by Close")
	assert.Equal(t, int32(0), tr.opens.Load())
	assert.Equal(t, 0, bus.Connections("agent-1"))
	assert.Equal(t, StateClosed, s.State())
}
