package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/origin"
	"github.com/intervue/interview-rtc/internal/ratelimit"
	"github.com/intervue/interview-rtc/internal/relay"
)

const (
	DefaultSendQueueLength = 64
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second

	gaugeConnections = "signaling_connections"
)

// Config wires together the runtime dependencies for the signaling endpoint.
type Config struct {
	Relay         relay.Relay
	Authenticator auth.Authenticator
	Origins       origin.Policy
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	// Clock drives the per-connection message rate limiter.
	Clock ratelimit.Clock

	// MaxConnections caps concurrent websockets. Zero means unlimited.
	MaxConnections int
	// MaxMessageBytes bounds one inbound frame. Zero means no limit.
	MaxMessageBytes int64
	// MessagesPerSecond is the sustained inbound frame rate per connection,
	// also used as the burst. Zero disables rate limiting.
	MessagesPerSecond int

	IdleTimeout     time.Duration
	PingInterval    time.Duration
	SendQueueLength int
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	limiter  *ratelimit.ConnLimiter
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("signaling: relay is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("signaling: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 2
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = DefaultSendQueueLength
	}

	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "signaling"),
		limiter: ratelimit.NewConnLimiter(cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.Origins.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Metrics

	id, err := s.cfg.Authenticator.Authenticate(r)
	if err != nil {
		m.Inc(metrics.AuthFailures)
		m.Inc(metrics.ConnectionsRejected)
		s.log.Debug("signaling auth failed", "err", err, "remote_addr", r.RemoteAddr)
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrMissingCredentials) && !errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusInternalServerError
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if !s.limiter.TryAcquire() {
		m.Inc(metrics.ConnectionsRejected)
		s.log.Warn("signaling connection limit reached", "limit", s.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Inc(metrics.ConnectionsRejected)
		if !s.cfg.Origins.CheckOrigin(r) {
			m.Inc(metrics.OriginRejected)
		}
		return
	}

	c := newConn(s, ws, id)
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	m.Inc(metrics.ConnectionsAccepted)
	gauge := m.Gauge(gaugeConnections)
	gauge.Add(1)
	defer gauge.Add(-1)

	c.log.Info("signaling connection opened", "remote_addr", r.RemoteAddr)
	c.run()
	c.log.Info("signaling connection closed")
}

// Close disconnects every connection and refuses new ones. Hijacked
// websockets are not covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// Connections reports the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
