package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artcafeai/agentmq/pkg/identity"
)

// TopicStats counts traffic on one application topic.
type TopicStats struct {
	MessagesSent     uint64
	BytesSent        uint64
	MessagesReceived uint64
	BytesReceived    uint64
}

// Stats is a snapshot of the session's counters.
type Stats struct {
	Topics         map[string]TopicStats
	HeartbeatsSent uint64
	Reconnects     uint64
	Disconnects    uint64
	Dropped        uint64
}

type counters struct {
	mu    sync.Mutex
	stats Stats
	m     *metrics
}

func newCounters(m *metrics) *counters {
	return &counters{stats: Stats{Topics: make(map[string]TopicStats)}, m: m}
}

func (c *counters) sent(topic string, n int) {
	c.mu.Lock()
	ts := c.stats.Topics[topic]
	ts.MessagesSent++
	ts.BytesSent += uint64(n)
	c.stats.Topics[topic] = ts
	c.mu.Unlock()
	c.m.messages.WithLabelValues("out").Inc()
	c.m.bytes.WithLabelValues("out").Add(float64(n))
}

func (c *counters) received(topic string, n int) {
	c.mu.Lock()
	ts := c.stats.Topics[topic]
	ts.MessagesReceived++
	ts.BytesReceived += uint64(n)
	c.stats.Topics[topic] = ts
	c.mu.Unlock()
	c.m.messages.WithLabelValues("in").Inc()
	c.m.bytes.WithLabelValues("in").Add(float64(n))
}

func (c *counters) heartbeat() {
	c.mu.Lock()
	c.stats.HeartbeatsSent++
	c.mu.Unlock()
	c.m.heartbeats.Inc()
}

func (c *counters) reconnected() {
	c.mu.Lock()
	c.stats.Reconnects++
	c.mu.Unlock()
	c.m.reconnects.Inc()
}

func (c *counters) disconnected() {
	c.mu.Lock()
	c.stats.Disconnects++
	c.mu.Unlock()
	c.m.disconnects.Inc()
}

func (c *counters) dropped(reason string) {
	c.mu.Lock()
	c.stats.Dropped++
	c.mu.Unlock()
	c.m.dropped.WithLabelValues(reason).Inc()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Topics = make(map[string]TopicStats, len(c.stats.Topics))
	for k, v := range c.stats.Topics {
		out.Topics[k] = v
	}
	return out
}

type metrics struct {
	messages    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	heartbeats  prometheus.Counter
	reconnects  prometheus.Counter
	disconnects prometheus.Counter
	dropped     *prometheus.CounterVec
	state       prometheus.Gauge
}

func newMetrics(id identity.Identity) *metrics {
	labels := prometheus.Labels{"agent_id": id.AgentID, "tenant_id": id.TenantID}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "agentmq", Subsystem: "session", Name: name, Help: help, ConstLabels: labels}
	}
	return &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts(opts("messages_total",
			"Application messages by direction.")), []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts(opts("message_bytes_total",
			"Application payload bytes by direction.")), []string{"direction"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts(opts("heartbeats_sent_total",
			"Heartbeat frames sent."))),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts(opts("reconnects_total",
			"Successful reconnections."))),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts(opts("disconnects_total",
			"Connections lost, including heartbeat timeouts."))),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts(opts("dropped_messages_total",
			"Inbound messages dropped before dispatch.")), []string{"reason"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts(opts("state",
			"Current session state (0 disconnected, 1 authenticating, 2 connected, 3 reconnecting, 4 closed)."))),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.messages, m.bytes, m.heartbeats, m.reconnects, m.disconnects, m.dropped, m.state}
}

func (m *metrics) register(reg prometheus.Registerer, logger *slog.Logger) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				logger.Warn("Metric already registered, skipping", "error", err)
				continue
			}
			logger.Error("Failed to register metric", "error", err)
		}
	}
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
