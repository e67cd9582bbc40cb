package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/identity"
)

const (
	// TenantHeader carries the tenant id on challenge requests.
	TenantHeader = "X-Tenant-Id"

	defaultMaxAttempts = 3
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 64 << 10
)

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyRequest is the body posted to the verify endpoint.
type VerifyRequest struct {
	TenantID  string `json:"tenantId"`
	KeyID     string `json:"keyId"`
	AgentID   string `json:"agentId"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// VerifyResponse is the verify endpoint's answer. Reason is "expired" when
// the challenge lapsed server side.
type VerifyResponse struct {
	Valid     bool       `json:"valid"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Negotiator runs the HTTP challenge-response handshake.
type Negotiator struct {
	baseURL     string
	id          identity.Identity
	signer      credential.Signer
	client      *http.Client
	now         func() time.Time
	maxAttempts int
	logger      *slog.Logger

	state atomic.Int32
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient sets the client used for both endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) {
		if c != nil {
			n.client = c
		}
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) {
		if now != nil {
			n.now = now
		}
	}
}

// WithMaxAttempts bounds how many fresh challenges one Negotiate call may
// request when challenges keep expiring.
func WithMaxAttempts(n int) Option {
	return func(neg *Negotiator) {
		if n > 0 {
			neg.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNegotiator returns a Negotiator talking to the auth API rooted at
// baseURL, e.g. "https://api.example.com/api/v1".
func NewNegotiator(baseURL string, id identity.Identity, signer credential.Signer, opts ...Option) *Negotiator {
	n := &Negotiator{
		baseURL:     strings.TrimRight(baseURL, "/"),
		id:          id,
		signer:      signer,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "auth", "agent_id", id.AgentID, "tenant_id", id.TenantID)
	return n
}

// State returns the state of the most recent handshake.
func (n *Negotiator) State() State {
	return State(n.state.Load())
}

func (n *Negotiator) setState(s State) {
	n.state.Store(int32(s))
}

// Negotiate requests a challenge, signs it and has it verified. Expired
// challenges are retried with a fresh one up to the attempt bound; every
// other failure is returned to the caller.
func (n *Negotiator) Negotiate(ctx context.Context) (*Params, error) {
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		params, err := n.attempt(ctx)
		if err == nil {
			n.setState(StateVerified)
			return params, nil
		}
		n.setState(StateFailed)
		if !errors.Is(err, ErrChallengeExpired) {
			return nil, err
		}
		lastErr = err
		n.logger.Warn("Challenge expired, requesting a new one", "attempt", attempt, "max_attempts", n.maxAttempts)
	}
	return nil, lastErr
}

func (n *Negotiator) attempt(ctx context.Context) (*Params, error) {
	n.setState(StateChallengeRequested)
	ch, err := n.requestChallenge(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := n.signer.Sign([]byte(ch.Value))
	if err != nil {
		var se *credential.SigningError
		if !errors.As(err, &se) {
			err = &credential.SigningError{KeyID: n.signer.KeyID(), Err: err}
		}
		return nil, err
	}
	n.setState(StateSigned)
	params := &Params{
		AgentID:   n.id.AgentID,
		TenantID:  n.id.TenantID,
		KeyID:     n.signer.KeyID(),
		Challenge: ch.Value,
		Signature: base64.StdEncoding.EncodeToString(raw),
		ExpiresAt: ch.ExpiresAt,
	}

	if ch.Expired(n.now()) {
		return nil, &AuthError{Reason: ReasonExpired, Detail: "challenge lapsed before submission"}
	}

	res, err := n.verify(ctx, params)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Valid:
	case res.Reason == ReasonExpired.String():
		return nil, &AuthError{Reason: ReasonExpired, Detail: "verify endpoint reported expiry"}
	default:
		return nil, &AuthError{Reason: ReasonRejected, Detail: res.Reason}
	}

	if res.Token != "" {
		params.Token = res.Token
		params.ExpiresAt = tokenExpiry(res)
	}
	n.logger.Debug("Handshake verified", "key_id", params.KeyID, "token", params.Token != "")
	return params, nil
}

func (n *Negotiator) requestChallenge(ctx context.Context) (Challenge, error) {
	u := fmt.Sprintf("%s/agents/%s/challenge", n.baseURL, url.PathEscape(n.id.AgentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Challenge{}, fmt.Errorf("auth: build challenge request: %w", err)
	}
	req.Header.Set(TenantHeader, n.id.TenantID)
	req.Header.Set("Accept", "application/json")

	var body challengeResponse
	status, err := n.do(req, &body)
	if err != nil {
		return Challenge{}, &TransientError{Op: "request challenge", Status: status, Err: err}
	}
	switch {
	case status == http.StatusOK:
	case status >= 500 || status == http.StatusTooManyRequests:
		return Challenge{}, &TransientError{Op: "request challenge", Status: status, Err: errors.New(http.StatusText(status))}
	default:
		return Challenge{}, &AuthError{Reason: ReasonRejected, Detail: fmt.Sprintf("challenge request refused with status %d", status)}
	}
	if body.Challenge == "" {
		return Challenge{}, &TransientError{Op: "request challenge", Status: status, Err: errors.New("empty challenge")}
	}
	return Challenge{Value: body.Challenge, IssuedAt: n.now(), ExpiresAt: body.ExpiresAt}, nil
}

func (n *Negotiator) verify(ctx context.Context, p *Params) (*VerifyResponse, error) {
	payload, err := json.Marshal(VerifyRequest{
		TenantID:  p.TenantID,
		KeyID:     p.KeyID,
		AgentID:   p.AgentID,
		Challenge: p.Challenge,
		Signature: p.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/auth/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("auth: build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res VerifyResponse
	status, err := n.do(req, &res)
	if err != nil {
		return nil, &TransientError{Op: "verify", Status: status, Err: err}
	}
	switch {
	case status == http.StatusOK:
		return &res, nil
	case status == http.StatusGone:
		res.Reason = ReasonExpired.String()
		return &res, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		res.Valid = false
		if res.Reason == "" {
			res.Reason = http.StatusText(status)
		}
		return &res, nil
	}
	return nil, &TransientError{Op: "verify", Status: status, Err: errors.New(http.StatusText(status))}
}

// do sends req and decodes a JSON body into v when there is one.
func (n *Negotiator) do(req *http.Request, v any) (int, error) {
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, v); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// tokenExpiry prefers the explicit expiry and falls back to the token's
// exp claim. The token is not verified here; the bus does that.
func tokenExpiry(res *VerifyResponse) time.Time {
	if res.ExpiresAt != nil {
		return *res.ExpiresAt
	}
	tok, _, err := jwt.NewParser().ParseUnverified(res.Token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
