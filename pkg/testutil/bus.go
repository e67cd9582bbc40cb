// Package testutil provides common test utilities for the agentmq packages.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/devbus"
	"github.com/artcafeai/agentmq/pkg/identity"
)

var (
	defaultSlogHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
)

// RSAKey returns a 2048-bit key shared by every test in the binary.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	sharedKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		sharedKey = k
	})
	return sharedKey
}

// Bus is a devbus served over httptest.
type Bus struct {
	*devbus.Bus
	HTTP *httptest.Server
	// URL is the auth API base URL.
	URL string
	// WSURL is the WebSocket endpoint with the agent placeholder.
	WSURL string
}

// NewBus starts a fake bus that is shut down when the test ends.
func NewBus(t testing.TB, opts ...devbus.Option) *Bus {
	t.Helper()
	b := devbus.New(append([]devbus.Option{devbus.WithLogger(DefaultLogger)}, opts...)...)
	srv := httptest.NewServer(b.Handler())
	tb := &Bus{
		Bus:   b,
		HTTP:  srv,
		URL:   srv.URL,
		WSURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent/{agentId}",
	}
	t.Cleanup(func() {
		b.DropConnections()
		srv.Close()
	})
	return tb
}

// NewAgent registers a key for agentID and returns its identity and signer.
func (b *Bus) NewAgent(t testing.TB, agentID, tenantID string) (identity.Identity, *credential.RSASigner) {
	t.Helper()
	key := RSAKey(t)
	signer, err := credential.NewRSASigner(key, "key-"+agentID)
	if err != nil {
		t.Fatalf("NewRSASigner: %v", err)
	}
	b.RegisterKey(agentID, signer.KeyID(), signer.Public())
	return identity.Identity{AgentID: agentID, TenantID: tenantID}, signer
}
