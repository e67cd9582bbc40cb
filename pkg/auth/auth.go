// Package auth runs the challenge-response handshake that turns an agent
// identity and a private key into connection parameters for the bus.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// State is the handshake state of a Negotiator.
type State int32

const (
	StateIdle State = iota
	StateChallengeRequested
	StateSigned
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallengeRequested:
		return "challenge_requested"
	case StateSigned:
		return "signed"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Challenge is a single-use value issued by the auth endpoint.
type Challenge struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge is no longer usable at now. A
// challenge without an expiry never expires locally.
func (c Challenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Params are the connection parameters a transport presents to the bus.
type Params struct {
	AgentID   string
	TenantID  string
	KeyID     string
	Challenge string
	// Signature is base64 (standard encoding) of the raw signature.
	Signature string
	// Token is set when the verify endpoint issued a bearer token.
	Token string
	// ExpiresAt is when the parameters stop being accepted. Zero if unknown.
	ExpiresAt time.Time
}

// Query encodes the parameters the way the bus expects them on the
// connection URL.
func (p *Params) Query() url.Values {
	q := url.Values{}
	q.Set("agent_id", p.AgentID)
	if p.TenantID != "" {
		q.Set("tenant_id", p.TenantID)
	}
	if p.Token != "" {
		q.Set("token", p.Token)
		return q
	}
	q.Set("challenge", p.Challenge)
	q.Set("signature", p.Signature)
	return q
}

// Authenticator produces fresh connection parameters. It is called before
// every connection attempt.
type Authenticator interface {
	Negotiate(ctx context.Context) (*Params, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (*Params, error)

func (f AuthenticatorFunc) Negotiate(ctx context.Context) (*Params, error) { return f(ctx) }

// Static returns an Authenticator that always yields a copy of p. Transports
// that authenticate inside their own protocol (NATS nonce signing, MQTT
// credentials) use it to carry the identity.
func Static(p Params) Authenticator {
	return AuthenticatorFunc(func(context.Context) (*Params, error) {
		cp := p
		return &cp, nil
	})
}
