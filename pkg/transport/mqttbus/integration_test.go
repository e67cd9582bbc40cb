//go:build integration

package mqttbus

import (
	"context"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/testutil"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/wire"
)

// Integration tests against a running MQTT broker, 127.0.0.1:1883 unless
// MQTT_ADDR says otherwise.
//
// Run with:
//   go test -tags=integration -v ./pkg/transport/mqttbus/...

func brokerAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("MQTT_ADDR")
	if addr == "" {
		addr = "127.0.0.1:1883"
	}
	addr = strings.TrimPrefix(addr, "tcp://")
	c, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("Skipping test because no MQTT broker is reachable at %s", addr)
	}
	c.Close()
	return addr
}

type inbox struct {
	frames chan *wire.Frame
	acks   atomic.Int32
}

func (b *inbox) inbound() transport.Inbound {
	return transport.Inbound{
		OnFrame:        func(f *wire.Frame) { b.frames <- f },
		OnHeartbeatAck: func(time.Time) { b.acks.Add(1) },
	}
}

func (b *inbox) next(t *testing.T, typ string) *wire.Frame {
	t.Helper()
	for {
		select {
		case f := <-b.frames:
			if f.Type == typ {
				return f
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s frame", typ)
			return nil
		}
	}
}

func openThroughProxy(t *testing.T, box *inbox) (transport.Conn, *testutil.Proxy) {
	t.Helper()
	proxy := testutil.NewProxy(t, brokerAddr(t))
	tr := New("tcp://"+proxy.Addr(), WithLogger(testutil.DefaultLogger), WithConnectTimeout(3*time.Second))
	conn, err := tr.Open(context.Background(), &auth.Params{AgentID: "agent-1", TenantID: "acme", Token: "t"}, box.inbound())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, proxy
}

func TestIntegration_RoundTrip(t *testing.T) {
	box := &inbox{frames: make(chan *wire.Frame, 16)}
	conn, _ := openThroughProxy(t, box)
	ctx := context.Background()

	require.NoError(t, conn.Send(ctx, wire.Subscribe("tenants.acme.tasks.*")))
	assert.Equal(t, "tenants.acme.tasks.*", box.next(t, wire.TypeSubscribed).Topic)

	msg, err := wire.NewMessage("tenants.acme.tasks.new", map[string]string{"job": "42"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, msg))
	got := box.next(t, wire.TypeMessage)
	assert.Equal(t, "tenants.acme.tasks.new", got.Topic)
	assert.Equal(t, msg.ID, got.ID)

	require.NoError(t, conn.Send(ctx, wire.Heartbeat()))
	assert.Equal(t, int32(1), box.acks.Load(), "PUBACK acknowledges the heartbeat")
}

func TestIntegration_ServerLoss(t *testing.T) {
	box := &inbox{frames: make(chan *wire.Frame, 16)}
	conn, proxy := openThroughProxy(t, box)

	require.Equal(t, 1, proxy.Sever())
	select {
	case d := <-conn.Disconnected():
		assert.NotErrorIs(t, d.Reason, transport.ErrClosedByClient)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event after broker loss")
	}

	msg, err := wire.NewMessage("tenants.acme.tasks.new", "late")
	require.NoError(t, err)
	assert.ErrorIs(t, conn.Send(context.Background(), msg), transport.ErrNotConnected)

	require.NoError(t, conn.Close())
	select {
	case d := <-conn.Disconnected():
		t.Fatalf("second disconnect event: %v", d.Reason)
	case <-time.After(100 * time.Millisecond):
	}
}
