// Command devbus runs the in-process development bus on a TCP port so agents
// can be exercised locally without the hosted service.
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

	flag "github.com/spf13/pflag"

	"github.com/artcafeai/agentmq/pkg/devbus"
)

func main() {
	listen := flag.StringP("listen", "l", ":8080", "address to listen on")
	keysDir := flag.String("keys", "", "directory of <agentId>.pub public keys")
	allowAny := flag.Bool("allow-any", false, "accept any signature (development only)")
	tokenSecret := flag.String("token-secret", "", "issue HS256 bearer tokens signed with this secret")
	challengeTTL := flag.Duration("challenge-ttl", 5*time.Minute, "how long a challenge stays valid")
	verbose := flag.BoolP("verbose", "v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := []devbus.Option{devbus.WithLogger(logger), devbus.WithChallengeTTL(*challengeTTL)}
	if *allowAny {
		opts = append(opts, devbus.WithAllowAny())
	}
	if *tokenSecret != "" {
		opts = append(opts, devbus.WithTokens([]byte(*tokenSecret), time.Hour))
	}
	bus := devbus.New(opts...)

	if *keysDir != "" {
		n, err := bus.LoadKeyDir(*keysDir)
		if err != nil {
			logger.Error("Failed to load keys", "dir", *keysDir, "error", err)
			os.Exit(1)
		}
		logger.Info("Loaded agent keys", "dir", *keysDir, "count", n)
	} else if !*allowAny {
		logger.Warn("No keys loaded and --allow-any not set; every agent will be rejected")
	}

	srv := &http.Server{Addr: *listen, Handler: bus.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Dev bus listening", "addr", *listen,
			"challenge", devbus.ChallengePath, "verify", devbus.VerifyPath, "socket", devbus.SocketPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	n := bus.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}
	logger.Info("Server stopped", "dropped_connections", n)
}
