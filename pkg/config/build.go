package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artcafeai/agentmq/pkg/auth"
	"github.com/artcafeai/agentmq/pkg/credential"
	"github.com/artcafeai/agentmq/pkg/session"
	"github.com/artcafeai/agentmq/pkg/transport"
	"github.com/artcafeai/agentmq/pkg/transport/mqttbus"
	"github.com/artcafeai/agentmq/pkg/transport/natsbus"
	"github.com/artcafeai/agentmq/pkg/transport/ws"
)

// Agent is a session assembled from a Config together with the resources
// it owns.
type Agent struct {
	Session *session.Session
	Signer  credential.Signer

	reloader *credential.Reloader
}

// Close closes the session and stops the key watcher.
func (a *Agent) Close() error {
	err := a.Session.Close()
	if a.reloader != nil {
		if rerr := a.reloader.Stop(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// Signer loads the agent key, watching it for rotation when configured.
// The returned reloader is nil unless watch_key is set.
func (c *Config) Signer(logger *slog.Logger) (credential.Signer, *credential.Reloader, error) {
	if !c.Agent.WatchKey {
		s, err := credential.Load(c.Agent.KeyPath, c.Agent.KeyID)
		return s, nil, err
	}
	r, err := credential.NewReloader(c.Agent.KeyPath,
		credential.WithKeyID(c.Agent.KeyID),
		credential.WithReloadLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := r.Start(); err != nil {
		return nil, nil, err
	}
	return r, r, nil
}

// Transport builds the configured transport.
func (c *Config) Transport(logger *slog.Logger) (transport.Transport, error) {
	switch c.Bus.Transport {
	case TransportWebSocket:
		return ws.New(c.Bus.URL, ws.WithLogger(logger), ws.WithDialTimeout(c.Bus.DialTimeout)), nil
	case TransportNATS:
		opts := []natsbus.Option{natsbus.WithLogger(logger), natsbus.WithConnectTimeout(c.Bus.DialTimeout)}
		if c.Bus.NKeySeedPath != "" {
			seed, err := os.ReadFile(c.Bus.NKeySeedPath)
			if err != nil {
				return nil, fmt.Errorf("reading nkey seed: %w", err)
			}
			nk, err := credential.NewNKeySigner([]byte(strings.TrimSpace(string(seed))))
			if err != nil {
				return nil, err
			}
			opts = append(opts, natsbus.WithNKey(nk))
		}
		return natsbus.New(c.Bus.URL, opts...), nil
	case TransportMQTT:
		return mqttbus.New(c.Bus.URL,
			mqttbus.WithLogger(logger),
			mqttbus.WithQoS(byte(c.Bus.MQTTQoS)),
			mqttbus.WithConnectTimeout(c.Bus.DialTimeout)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Bus.Transport)
}

// Build assembles an unconnected session. reg may be nil.
func (c *Config) Build(logger *slog.Logger, reg prometheus.Registerer) (*Agent, error) {
	signer, reloader, err := c.Signer(logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Agent, error) {
		if reloader != nil {
			reloader.Stop()
		}
		return nil, err
	}

	tr, err := c.Transport(logger)
	if err != nil {
		return fail(err)
	}
	neg := auth.NewNegotiator(c.Bus.AuthURL, c.Identity(), signer, auth.WithLogger(logger))
	opts := append(c.SessionOptions(), session.WithLogger(logger))
	if reg != nil {
		opts = append(opts, session.WithRegisterer(reg))
	}
	s, err := session.New(c.Identity(), neg, tr, opts...)
	if err != nil {
		return fail(err)
	}
	return &Agent{Session: s, Signer: signer, reloader: reloader}, nil
}
