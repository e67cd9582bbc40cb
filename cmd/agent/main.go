// Command agent connects one agent to the bus using a YAML or TOML config,
// logs every message on its configured subscriptions and periodically
// publishes a health report.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/artcafeai/agentmq/pkg/config"
	"github.com/artcafeai/agentmq/pkg/session"
	"github.com/artcafeai/agentmq/pkg/wire"
)

// HealthTopic receives the periodic health report.
const HealthTopic = "agents.health"

type healthReport struct {
	AgentID string         `json:"agent_id"`
	Health  session.Health `json:"health"`
	Stats   session.Stats  `json:"stats"`
}

func main() {
	configPath := flag.StringP("config", "c", "agent.yaml", "path to the agent config (.yaml or .toml)")
	logLevel := flag.String("log-level", "", "override logging.level from the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Agent stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = r
		srv := serveMetrics(cfg.Metrics, r, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	agent, err := cfg.Build(logger, reg)
	if err != nil {
		return err
	}
	defer agent.Close()
	sess := agent.Session

	for _, pattern := range cfg.Session.Subscribe {
		err := sess.Subscribe(ctx, pattern, func(_ context.Context, env *wire.Envelope) error {
			logger.Info("Message received", "topic", env.Topic, "id", env.ID, "bytes", len(env.Payload))
			return nil
		})
		if err != nil {
			return err
		}
	}

	events, cancel := sess.Watch()
	defer cancel()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case session.EventServerError, session.EventFatal:
				logger.Warn("Session event", "kind", ev.Kind, "state", ev.State, "error", ev.Err)
			default:
				logger.Debug("Session event", "kind", ev.Kind, "state", ev.State)
			}
		}
	}()

	if cfg.Session.HealthReportInterval > 0 {
		go reportHealth(ctx, sess, cfg.Session.HealthReportInterval, logger)
	}

	logger.Info("Agent starting", "agent_id", cfg.Agent.ID, "tenant_id", cfg.Agent.TenantID, "transport", cfg.Bus.Transport)
	return sess.Run(ctx)
}

func serveMetrics(mc config.MetricsConfig, g prometheus.Gatherer, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: mc.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Serving metrics", "addr", mc.Addr, "path", mc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func reportHealth(ctx context.Context, sess *session.Session, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			report := healthReport{AgentID: sess.Identity().AgentID, Health: sess.Health(), Stats: sess.Stats()}
			if err := sess.Publish(ctx, HealthTopic, report); err != nil {
				logger.Debug("Health report not sent", "error", err)
			}
		}
	}
}
