// Package heartbeat tracks application-level liveness of a bus connection.
// It catches half-open connections that the transport itself never reports.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultTimeoutMultiplier = 3.0
)

// ErrTimeout is returned by Run when no acknowledgment arrived in time.
var ErrTimeout = errors.New("heartbeat: no acknowledgment within timeout")

// Config sets the heartbeat cadence.
type Config struct {
	Interval          time.Duration
	TimeoutMultiplier float64
}

// DefaultConfig returns a 30s interval with a 3x timeout.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, TimeoutMultiplier: DefaultTimeoutMultiplier}
}

// Timeout is Interval scaled by TimeoutMultiplier.
func (c Config) Timeout() time.Duration {
	return time.Duration(float64(c.Interval) * c.TimeoutMultiplier)
}

// Record is a snapshot of the monitor's bookkeeping.
type Record struct {
	LastSentAt  time.Time
	LastAckAt   time.Time
	MissedCount int
}

// Monitor sends heartbeats and judges health from their acknowledgments.
// One Monitor serves a session across reconnections; Start rebases it on
// every new connection.
type Monitor struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	rec      Record
	awaiting bool

	acked chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New returns a Monitor. Non-positive config values fall back to defaults.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	m := &Monitor{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		acked:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Start marks a fresh connection established at t. The connection itself
// counts as the first acknowledgment.
func (m *Monitor) Start(t time.Time) {
	m.mu.Lock()
	m.rec = Record{LastAckAt: t}
	m.awaiting = false
	m.mu.Unlock()
	m.drainAck()
}

// Ack records an acknowledgment received at t.
func (m *Monitor) Ack(t time.Time) {
	m.mu.Lock()
	if t.After(m.rec.LastAckAt) {
		m.rec.LastAckAt = t
	}
	m.rec.MissedCount = 0
	m.awaiting = false
	m.mu.Unlock()

	select {
	case m.acked <- struct{}{}:
	default:
	}
}

// Record returns the current bookkeeping.
func (m *Monitor) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// Healthy reports whether an acknowledgment arrived within the timeout
// window before now. It has no side effects.
func (m *Monitor) Healthy(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.LastAckAt.IsZero() {
		return false
	}
	return now.Sub(m.rec.LastAckAt) < m.cfg.Timeout()
}

// SinceAck is the time elapsed between the last acknowledgment and now.
func (m *Monitor) SinceAck(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.LastAckAt.IsZero() {
		return 0
	}
	return now.Sub(m.rec.LastAckAt)
}

// Run sends a heartbeat every interval until ctx ends or the timeout
// elapses without an acknowledgment, in which case it returns ErrTimeout.
// Send failures are logged; the missing ack catches a dead connection.
func (m *Monitor) Run(ctx context.Context, send func(context.Context) error) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.remaining())
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.beat()
			if err := send(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("Heartbeat send failed", "error", err)
			}
		case <-m.acked:
			resetTimer(deadline, m.remaining())
		case <-deadline.C:
			now := m.now()
			if !m.Healthy(now) {
				rec := m.Record()
				m.logger.Warn("Heartbeat timed out",
					"since_ack", now.Sub(rec.LastAckAt), "missed", rec.MissedCount, "timeout", m.cfg.Timeout())
				return ErrTimeout
			}
			deadline.Reset(m.remaining())
		}
	}
}

// beat records a send. An earlier heartbeat still unanswered counts as missed.
func (m *Monitor) beat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.awaiting {
		m.rec.MissedCount++
	}
	m.awaiting = true
	m.rec.LastSentAt = m.now()
}

func (m *Monitor) remaining() time.Duration {
	m.mu.Lock()
	last := m.rec.LastAckAt
	m.mu.Unlock()
	if last.IsZero() {
		return m.cfg.Timeout()
	}
	d := last.Add(m.cfg.Timeout()).Sub(m.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (m *Monitor) drainAck() {
	select {
	case <-m.acked:
	default:
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
