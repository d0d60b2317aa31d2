// Package httpserver hosts the relay server's HTTP surface on a gin engine:
// health and readiness probes, build info, ICE server discovery, metrics and
// whatever upgraded endpoints the binary mounts (the signaling websocket).
package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/config"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/origin"
	"github.com/intervue/interview-rtc/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Options carries the collaborators the routes need. All fields are
// optional; TURN requires Authenticator so credentials are bound to a
// participant.
type Options struct {
	Authenticator auth.Authenticator
	TURN          *turnrest.Generator
	Metrics       *metrics.Metrics
	// Ready reports backend readiness (e.g. the redis relay) for /readyz.
	Ready func(context.Context) error
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	opts   Options
	policy origin.Policy

	ready atomic.Bool

	engine *gin.Engine
	srv    *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts Options) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		opts:   opts,
		policy: origin.NewPolicy(cfg.AllowedOrigins),
		engine: gin.New(),
	}

	s.engine.Use(
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		originMiddleware(s.policy, s.opts.Metrics),
	)
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		// Read/write timeouts stay zero: /signal is a long-lived websocket.
	}
	return s
}

// Handle mounts a plain http.Handler, e.g. the signaling websocket. It must
// only be used during startup before Serve is called.
func (s *Server) Handle(method, path string, h http.Handler) {
	s.engine.Handle(method, path, gin.WrapH(h))
}

// OriginPolicy is the policy applied to every route, exposed so websocket
// upgraders can apply the same decision.
func (s *Server) OriginPolicy() origin.Policy {
	return s.policy
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	s.engine.GET("/readyz", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		if s.opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := s.opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})

	s.engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.build)
	})

	s.engine.GET("/webrtc/ice", s.handleICE)

	s.engine.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(s.opts.Metrics)))
}
