package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/config"
	"github.com/intervue/interview-rtc/internal/httpserver"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/relay"
	"github.com/intervue/interview-rtc/internal/signaling"
	"github.com/intervue/interview-rtc/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// broker is what the server needs from a relay backend.
type broker interface {
	relay.Relay
	io.Closer
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if cfg.Mode == config.ModeProd {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Info("starting interview-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"relay_backend", cfg.RelayBackend,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"config_file", cfg.ConfigFile,
	)
	logStartupSecurityWarnings(logger, cfg)

	authn, err := auth.NewAuthenticator(cfg.AuthMode, cfg.JWTSecret)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.New(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	backend, ready, err := openBroker(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to start relay backend", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Authenticator: authn,
		TURN:          turn,
		Metrics:       m,
		Ready:         ready,
	})

	sig, err := signaling.NewServer(signaling.Config{
		Relay:             backend,
		Authenticator:     authn,
		Origins:           srv.OriginPolicy(),
		Metrics:           m,
		Logger:            logger,
		MaxConnections:    cfg.MaxConnections,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}
	srv.Handle(http.MethodGet, "/signal", sig)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Websockets are hijacked and not covered by Shutdown.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func openBroker(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (broker, func(context.Context) error, error) {
	switch cfg.RelayBackend {
	case config.RelayBackendRedis:
		b, err := relay.DialRedis(ctx, relay.RedisConfig{
			URL:           cfg.RedisURL,
			ChannelPrefix: cfg.RedisChannelPrefix,
			Logger:        logger,
			Metrics:       m,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Ping, nil
	default:
		return relay.NewMemoryBroker(relay.WithMetrics(m)), nil, nil
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values and fall back to the Go build info for
	// `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
