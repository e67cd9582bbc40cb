// Package agentmq connects agents to a tenant-scoped pub/sub bus. It
// re-exports the session API and offers NewWebSocket for the common case of
// an RSA or SSH key talking to the bus over WebSocket.
package agentmq

import (
	"errors"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/identity"
	"github.com/artcafeai/agentmq/pkg/reconnect"
	"github.com/artcafeai/agentmq/pkg/session"
	"github.com/artcafeai/agentmq/pkg/transport/ws"
	"github.com/artcafeai/agentmq/pkg/wire"
)

// Re-export core types
type (
	Session  = session.Session
	Option   = session.Option
	Options  = session.Options
	State    = session.State
	Health   = session.Health
	Stats    = session.Stats
	Event    = session.Event
	Handler  = session.Handler
	Envelope = wire.Envelope
	Identity = identity.Identity
	Signer   = credential.Signer
)

// Re-export session states
const (
	StateDisconnected   = session.StateDisconnected
	StateAuthenticating = session.StateAuthenticating
	StateConnected      = session.StateConnected
	StateReconnecting   = session.StateReconnecting
	StateClosed         = session.StateClosed
)

// Re-export error values
var (
	ErrNotConnected     = session.ErrNotConnected
	ErrClosed           = session.ErrClosed
	ErrRejected         = auth.ErrRejected
	ErrChallengeExpired = auth.ErrChallengeExpired
)

// Re-export session options
var (
	WithLogger               = session.WithLogger
	WithHeartbeat            = session.WithHeartbeat
	WithAutoReconnect        = session.WithAutoReconnect
	WithMaxReconnectAttempts = session.WithMaxReconnectAttempts
	WithBackoff              = session.WithBackoff
	WithSendTimeout          = session.WithSendTimeout
	WithCapabilities         = session.WithCapabilities
	WithMetadata             = session.WithMetadata
	WithRegisterer           = session.WithRegisterer
)

// DefaultOptions returns the default session options.
func DefaultOptions() Options { return session.DefaultOptions() }

// LoadSigner reads a PEM RSA or OpenSSH private key. An empty keyID derives
// one from the public key.
func LoadSigner(path, keyID string) (Signer, error) { return credential.Load(path, keyID) }

// IsExhausted reports whether err means reconnection gave up.
func IsExhausted(err error) bool {
	var ex *reconnect.ExhaustedError
	return errors.As(err, &ex)
}

// NewWebSocket returns an unconnected session that authenticates against
// authURL and connects to wsURL, which may contain "{agentId}".
func NewWebSocket(id Identity, signer Signer, authURL, wsURL string, opts ...Option) (*Session, error) {
	o := session.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	neg := auth.NewNegotiator(authURL, id, signer, auth.WithLogger(o.Logger))
	return session.NewWithOptions(id, neg, ws.New(wsURL, ws.WithLogger(o.Logger)), o)
}
