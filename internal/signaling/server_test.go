package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/config"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
	"github.com/intervue/interview-rtc/internal/relay"
)

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

type testEnv struct {
	srv     *Server
	broker  *relay.MemoryBroker
	metrics *metrics.Metrics
	wsBase  string
}

func startSignaling(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	authn, err := auth.NewAuthenticator(config.AuthModeNone, "")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	broker := relay.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	m := metrics.New()

	cfg := Config{
		Relay:         broker,
		Authenticator: authn,
		Metrics:       m,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testEnv{
		srv:     srv,
		broker:  broker,
		metrics: m,
		wsBase:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal",
	}
}

func (e *testEnv) url(call, participant string, role protocol.Role) string {
	return e.wsBase + "?call=" + call + "&participant=" + participant + "&role=" + string(role)
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.ParseFrame(data)
	if err != nil {
		t.Fatalf("parse frame %s: %v", data, err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_FanOutStampsSender(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := relay.DialWS(ctx, relay.WSClientConfig{URL: env.url("call-1", "alice", protocol.RoleInitiator)})
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	t.Cleanup(func() { _ = alice.Close() })
	bob, err := relay.DialWS(ctx, relay.WSClientConfig{URL: env.url("call-1", "bob", protocol.RoleResponder)})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close() })

	aliceGot := make(chan protocol.Envelope, 4)
	bobGot := make(chan protocol.Envelope, 4)
	if _, err := alice.Subscribe(ctx, "call-1", func(e protocol.Envelope) { aliceGot <- e }); err != nil {
		t.Fatalf("alice subscribe: %v", err)
	}
	if _, err := bob.Subscribe(ctx, "call-1", func(e protocol.Envelope) { bobGot <- e }); err != nil {
		t.Fatalf("bob subscribe: %v", err)
	}
	waitFor(t, "both subscriptions", func() bool { return env.broker.Subscribers("call-1") == 2 })

	spoofed, err := protocol.NewJoin(protocol.Header{
		SenderID:    "mallory",
		RecipientID: protocol.Broadcast,
		SenderRole:  protocol.RoleResponder,
	}, "epoch-1")
	if err != nil {
		t.Fatalf("NewJoin: %v", err)
	}
	if err := alice.Publish(ctx, "call-1", spoofed); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-bobGot:
		if got.SenderID != "alice" || got.SenderRole != protocol.RoleInitiator {
			t.Fatalf("sender=%q/%q, want alice/initiator", got.SenderID, got.SenderRole)
		}
		join, err := got.Join()
		if err != nil || join.Epoch != "epoch-1" {
			t.Fatalf("join=%+v err=%v", join, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bob did not receive the envelope")
	}

	select {
	case got := <-aliceGot:
		t.Fatalf("alice received her own envelope: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	if got := env.metrics.Get(metrics.ConnectionsAccepted); got != 2 {
		t.Fatalf("connections accepted=%d, want 2", got)
	}
}

func TestServer_RejectsForeignTopic(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, nil)
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))

	writeFrame(t, c, protocol.Frame{Op: protocol.OpSubscribe, Topic: "call-2"})
	f := readFrame(t, c)
	if f.Op != protocol.OpError || f.Code != protocol.CodeForbidden || f.Topic != "call-2" {
		t.Fatalf("frame=%+v, want forbidden error", f)
	}

	join, err := protocol.NewJoin(protocol.Header{SenderID: "alice", RecipientID: protocol.Broadcast, SenderRole: protocol.RoleInitiator}, "e")
	if err != nil {
		t.Fatalf("NewJoin: %v", err)
	}
	writeFrame(t, c, protocol.Frame{Op: protocol.OpPublish, Topic: "call-2", Envelope: &join})
	if f := readFrame(t, c); f.Code != protocol.CodeForbidden {
		t.Fatalf("frame=%+v, want forbidden error", f)
	}

	if env.metrics.Get(metrics.SubscribeForbidden) != 1 || env.metrics.Get(metrics.PublishForbidden) != 1 {
		t.Fatalf("metrics=%v", env.metrics.Snapshot())
	}
	if env.broker.Subscribers("call-2") != 0 {
		t.Fatalf("foreign topic got a subscriber")
	}
}

func TestServer_MalformedFrame(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, nil)
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","topic":"call-1","extra":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, c); f.Code != protocol.CodeBadFrame {
		t.Fatalf("frame=%+v, want bad_frame", f)
	}
	if got := env.metrics.Get(metrics.FramesMalformed); got != 1 {
		t.Fatalf("malformed=%d, want 1", got)
	}
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) {
		cfg.Authenticator = auth.JWTAuthenticator{Verifier: auth.NewJWTVerifier("secret")}
	})

	_, resp, err := websocket.DefaultDialer.Dial(env.wsBase, nil)
	if err == nil {
		t.Fatalf("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}
	if got := env.metrics.Get(metrics.AuthFailures); got != 1 {
		t.Fatalf("auth failures=%d, want 1", got)
	}

	token, err := auth.NewIssuer("secret", time.Minute).Issue(auth.Identity{CallID: "call-1", ParticipantID: "alice", Role: protocol.RoleInitiator})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(env.wsBase+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	_ = c.Close()
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) {
		cfg.Clock = frozenClock{now: time.Unix(1_700_000_000, 0)}
		cfg.MessagesPerSecond = 2
	})
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))

	for i := 0; i < 3; i++ {
		writeFrame(t, c, protocol.Frame{Op: protocol.OpSubscribe, Topic: "call-1"})
	}
	if f := readFrame(t, c); f.Code != protocol.CodeRateLimited {
		t.Fatalf("frame=%+v, want rate_limited", f)
	}
	if got := env.metrics.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("rate limited drops=%d, want 1", got)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) { cfg.MaxConnections = 1 })
	dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))
	waitFor(t, "first connection", func() bool { return env.srv.Connections() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(env.url("call-1", "bob", protocol.RoleResponder), nil)
	if err == nil {
		t.Fatalf("second dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestServer_MessageTooLarge(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) { cfg.MaxMessageBytes = 64 })
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))

	if err := c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close 1009", err)
	}
}

func TestServer_IdleTimeoutClosesWithoutPong(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) {
		cfg.IdleTimeout = 500 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// No pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestServer_PongKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	// The default ping handler answers with a pong, but only while reading.
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(time.Second):
	}
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	env := startSignaling(t, nil)
	c := dialRaw(t, env.url("call-1", "alice", protocol.RoleInitiator))
	waitFor(t, "connection", func() bool { return env.srv.Connections() == 1 })

	env.srv.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want close going away", err)
	}
	waitFor(t, "connection cleanup", func() bool { return env.srv.Connections() == 0 })
}
