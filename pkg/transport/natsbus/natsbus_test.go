package natsbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/testutil"
	"github.com/artcafeai/agentmq/pkg/transport"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "_HEARTBEAT.acme.agent-1", HeartbeatSubject("acme", "agent-1"))
	assert.Equal(t, "_PRESENCE.tenant.acme.client.agent-1", PresenceSubject("acme", "agent-1"))
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "nats://" + addr
}

func TestOpenUnreachableIsTransient(t *testing.T) {
	tr := New(closedAddr(t), WithLogger(testutil.DefaultLogger), WithConnectTimeout(500*time.Millisecond))
	assert.Equal(t, "nats", tr.Name())

	conn, err := tr.Open(context.Background(), &auth.Params{AgentID: "a", TenantID: "acme", Token: "t"}, transport.Inbound{})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, auth.IsTransient(err))
}

func TestOpenCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("").Open(ctx, &auth.Params{AgentID: "a", TenantID: "acme"}, transport.Inbound{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithNKey(t *testing.T) {
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	seed, err := kp.Seed()
	require.NoError(t, err)
	signer, err := credential.NewNKeySigner(seed)
	require.NoError(t, err)

	tr := New("nats://example:4222", WithNKey(signer), WithFlushTimeout(time.Second))
	assert.Same(t, signer, tr.nkey)
	assert.Equal(t, time.Second, tr.flushTimeout)
	assert.Equal(t, "nats://example:4222", tr.url)
}
