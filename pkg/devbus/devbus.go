// Package devbus is an in-process stand-in for the agent bus. It serves the
// challenge and verify endpoints and a WebSocket endpoint that routes
// messages between connected agents of the same tenant. Failures can be
// injected to exercise reconnection.
package devbus

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/wire"
)

const (
	defaultChallengeTTL = 5 * time.Minute
	defaultTokenTTL     = time.Hour
)

// Route paths.
const (
	ChallengePath = "/agents/{agentId}/challenge"
	VerifyPath    = "/auth/verify"
	SocketPath    = "/ws/agent/{agentId}"
)

type agentKey struct {
	agentID string
	pub     crypto.PublicKey
}

type challenge struct {
	agentID   string
	tenantID  string
	expiresAt time.Time
	verified  bool
}

// Bus is the fake bus. The zero value is not usable; call New.
type Bus struct {
	logger       *slog.Logger
	challengeTTL time.Duration
	tokenSecret  []byte
	tokenTTL     time.Duration
	allowAny     bool

	mu         sync.Mutex
	keys       map[string]agentKey
	challenges map[string]*challenge
	conns      map[*peer]struct{}
	received   []wire.Frame

	reject        atomic.Bool
	dropAcks      atomic.Bool
	refuseUpgrade atomic.Bool
	expireNext    atomic.Int32

	challengesIssued atomic.Int32
	verifications    atomic.Int32
	connects         atomic.Int32
	heartbeats       atomic.Int32
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithChallengeTTL sets how long issued challenges stay valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(b *Bus) { b.challengeTTL = d }
}

// WithTokens makes verify issue HS256 bearer tokens signed with secret.
func WithTokens(secret []byte, ttl time.Duration) Option {
	return func(b *Bus) {
		b.tokenSecret = secret
		if ttl > 0 {
			b.tokenTTL = ttl
		}
	}
}

// WithAllowAny accepts any signature from any agent.
func WithAllowAny() Option {
	return func(b *Bus) { b.allowAny = true }
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:       slog.Default(),
		challengeTTL: defaultChallengeTTL,
		tokenTTL:     defaultTokenTTL,
		keys:         make(map[string]agentKey),
		challenges:   make(map[string]*challenge),
		conns:        make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "devbus")
	return b
}

// RegisterKey authorizes pub, an *rsa.PublicKey or ssh.PublicKey, to sign
// for agentID under keyID.
func (b *Bus) RegisterKey(agentID, keyID string, pub crypto.PublicKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[keyID] = agentKey{agentID: agentID, pub: pub}
}

// Handler serves every bus endpoint.
func (b *Bus) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ChallengePath, b.handleChallenge)
	mux.HandleFunc("POST "+VerifyPath, b.handleVerify)
	mux.HandleFunc("GET "+SocketPath, b.handleSocket)
	return mux
}

// SetReject makes verification and upgrades fail with a rejection.
func (b *Bus) SetReject(v bool) { b.reject.Store(v) }

// SetDropAcks stops the bus from answering heartbeats.
func (b *Bus) SetDropAcks(v bool) { b.dropAcks.Store(v) }

// SetRefuseUpgrade makes WebSocket upgrades fail with 503.
func (b *Bus) SetRefuseUpgrade(v bool) { b.refuseUpgrade.Store(v) }

// ExpireNextChallenges issues the next n challenges already expired.
func (b *Bus) ExpireNextChallenges(n int) { b.expireNext.Store(int32(n)) }

// ChallengesIssued counts challenge requests served.
func (b *Bus) ChallengesIssued() int { return int(b.challengesIssued.Load()) }

// Verifications counts verify requests served.
func (b *Bus) Verifications() int { return int(b.verifications.Load()) }

// Connects counts accepted WebSocket connections.
func (b *Bus) Connects() int { return int(b.connects.Load()) }

// Heartbeats is the number of heartbeat frames received.
func (b *Bus) Heartbeats() int { return int(b.heartbeats.Load()) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *Bus) handleChallenge(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	tenantID := r.Header.Get(auth.TenantHeader)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + auth.TenantHeader})
		return
	}
	expires := time.Now().Add(b.challengeTTL)
	if b.expireNext.Load() > 0 && b.expireNext.Add(-1) >= 0 {
		expires = time.Now().Add(-time.Second)
	}
	value := uuid.NewString()
	b.mu.Lock()
	b.challenges[value] = &challenge{agentID: agentID, tenantID: tenantID, expiresAt: expires}
	b.mu.Unlock()
	b.challengesIssued.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"challenge": value, "expiresAt": expires.UTC()})
}

func (b *Bus) handleVerify(w http.ResponseWriter, r *http.Request) {
	b.verifications.Add(1)
	var req auth.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if b.reject.Load() {
		writeJSON(w, http.StatusOK, auth.VerifyResponse{Valid: false, Reason: "rejected"})
		return
	}

	b.mu.Lock()
	ch, ok := b.challenges[req.Challenge]
	key, keyOK := b.keys[req.KeyID]
	b.mu.Unlock()
	switch {
	case !ok || ch.agentID != req.AgentID || ch.tenantID != req.TenantID:
		writeJSON(w, http.StatusOK, auth.VerifyResponse{Valid: false, Reason: "unknown challenge"})
		return
	case !time.Now().Before(ch.expiresAt):
		writeJSON(w, http.StatusOK, auth.VerifyResponse{Valid: false, Reason: "expired"})
		return
	}
	if !b.allowAny {
		if !keyOK || key.agentID != req.AgentID {
			writeJSON(w, http.StatusOK, auth.VerifyResponse{Valid: false, Reason: "unknown key"})
			return
		}
		if err := VerifySignature(key.pub, req.Challenge, req.Signature); err != nil {
			writeJSON(w, http.StatusOK, auth.VerifyResponse{Valid: false, Reason: "bad signature"})
			return
		}
	}

	b.mu.Lock()
	ch.verified = true
	b.mu.Unlock()

	resp := auth.VerifyResponse{Valid: true}
	if b.tokenSecret != nil {
		exp := time.Now().Add(b.tokenTTL)
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": req.AgentID,
			"tid": req.TenantID,
			"exp": exp.Unix(),
		}).SignedString(b.tokenSecret)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		resp.Token = tok
	}
	writeJSON(w, http.StatusOK, resp)
}

// admit checks the connection parameters of an upgrade request and returns
// the tenant the agent connects as.
func (b *Bus) admit(r *http.Request, agentID string) (string, error) {
	q := r.URL.Query()
	if tok := bearer(r, q.Get("token")); tok != "" {
		if b.tokenSecret == nil {
			return "", errors.New("tokens not enabled")
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return b.tokenSecret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return "", fmt.Errorf("invalid token: %w", err)
		}
		if sub, _ := claims["sub"].(string); sub != agentID {
			return "", errors.New("token subject mismatch")
		}
		tid, _ := claims["tid"].(string)
		return tid, nil
	}

	value := q.Get("challenge")
	b.mu.Lock()
	ch, ok := b.challenges[value]
	if ok && ch.verified && ch.agentID == agentID {
		delete(b.challenges, value)
	}
	b.mu.Unlock()
	if !ok || !ch.verified || ch.agentID != agentID {
		return "", errors.New("challenge not verified")
	}
	if q.Get("signature") == "" {
		return "", errors.New("missing signature")
	}
	return ch.tenantID, nil
}

func bearer(r *http.Request, fallback string) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return fallback
}

func (b *Bus) handleSocket(w http.ResponseWriter, r *http.Request) {
	if b.refuseUpgrade.Load() {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	agentID := r.PathValue("agentId")
	if b.reject.Load() {
		http.Error(w, "rejected", http.StatusUnauthorized)
		return
	}
	tenantID, err := b.admit(r, agentID)
	if err != nil {
		b.logger.Info("Refusing connection", "agent_id", agentID, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Info("Accept failed", "error", err)
		return
	}
	p := newPeer(b, conn, agentID, tenantID)
	b.mu.Lock()
	b.conns[p] = struct{}{}
	b.mu.Unlock()
	b.connects.Add(1)
	b.logger.Info("Agent connected", "agent_id", agentID, "tenant_id", tenantID)

	p.serve(r.Context())

	b.mu.Lock()
	delete(b.conns, p)
	b.mu.Unlock()
	b.logger.Info("Agent disconnected", "agent_id", agentID)
}
