package session

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artcafeai/agentmq/pkg/heartbeat"
	"github.com/artcafeai/agentmq/pkg/reconnect"
)

const (
	defaultSendTimeout  = 10 * time.Second
	defaultCloseTimeout = 2 * time.Second
	defaultEventBuffer  = 32
)

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger *slog.Logger

	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier float64

	AutoReconnect bool
	// MaxReconnectAttempts bounds each recovery cycle; 0 retries forever.
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration

	// SendTimeout bounds control frames the session sends on its own
	// (heartbeats, subscription replay, presence).
	SendTimeout time.Duration

	// Capabilities and Metadata are announced in the online presence frame.
	Capabilities []string
	Metadata     map[string]string

	// Registerer receives the session's Prometheus collectors when set.
	Registerer prometheus.Registerer
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	hb := heartbeat.DefaultConfig()
	rp := reconnect.DefaultPolicy()
	return Options{
		Logger:                     slog.Default(),
		HeartbeatInterval:          hb.Interval,
		HeartbeatTimeoutMultiplier: hb.TimeoutMultiplier,
		AutoReconnect:              true,
		MaxReconnectAttempts:       rp.MaxAttempts,
		InitialBackoff:             rp.InitialDelay,
		MaxBackoff:                 rp.MaxDelay,
		SendTimeout:                defaultSendTimeout,
	}
}

func (o Options) heartbeatConfig() heartbeat.Config {
	return heartbeat.Config{Interval: o.HeartbeatInterval, TimeoutMultiplier: o.HeartbeatTimeoutMultiplier}
}

func (o Options) reconnectPolicy() reconnect.Policy {
	p := reconnect.DefaultPolicy()
	p.InitialDelay = o.InitialBackoff
	p.MaxDelay = o.MaxBackoff
	p.MaxAttempts = o.MaxReconnectAttempts
	return p
}

// Option configures a Session.
type Option func(*Options)

// WithLogger sets the logger for the session and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithHeartbeat sets the heartbeat interval and the multiple of it after
// which a silent connection is declared dead.
func WithHeartbeat(interval time.Duration, multiplier float64) Option {
	return func(o *Options) {
		if interval > 0 {
			o.HeartbeatInterval = interval
		}
		if multiplier > 0 {
			o.HeartbeatTimeoutMultiplier = multiplier
		}
	}
}

// WithAutoReconnect turns automatic recovery on or off.
func WithAutoReconnect(enabled bool) Option {
	return func(o *Options) { o.AutoReconnect = enabled }
}

// WithMaxReconnectAttempts bounds recovery. 0 means unbounded.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxReconnectAttempts = n
		}
	}
}

// WithBackoff sets the first and the largest reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		if initial > 0 {
			o.InitialBackoff = initial
		}
		if max > 0 {
			o.MaxBackoff = max
		}
	}
}

// WithSendTimeout bounds control frames sent by the session itself.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// WithCapabilities sets the capabilities announced on connect.
func WithCapabilities(caps ...string) Option {
	return func(o *Options) { o.Capabilities = append([]string(nil), caps...) }
}

// WithMetadata sets the metadata announced on connect.
func WithMetadata(md map[string]string) Option {
	return func(o *Options) {
		o.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			o.Metadata[k] = v
		}
	}
}

// WithRegisterer registers the session's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}
