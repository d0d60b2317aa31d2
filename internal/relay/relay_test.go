package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

func testJoin(t *testing.T, sender string, role protocol.Role, epoch string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewJoin(protocol.Header{SenderID: sender, RecipientID: protocol.Broadcast, SenderRole: role}, epoch)
	if err != nil {
		t.Fatalf("NewJoin: %v", err)
	}
	return env
}

func collect(buf int) (Handler, <-chan protocol.Envelope) {
	ch := make(chan protocol.Envelope, buf)
	return func(env protocol.Envelope) { ch <- env }, ch
}

func recv(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func TestMemoryBroker_FanOutPreservesPerSenderOrder(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	h1, ch1 := collect(16)
	h2, ch2 := collect(16)
	if _, err := b.Subscribe(ctx, "call-1", h1); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if _, err := b.Subscribe(ctx, "call-1", h2); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	hOther, chOther := collect(16)
	if _, err := b.Subscribe(ctx, "call-2", hOther); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	for _, epoch := range []string{"e1", "e2", "e3"} {
		if err := b.Publish(ctx, "call-1", testJoin(t, "alice", protocol.RoleInitiator, epoch)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for _, ch := range []<-chan protocol.Envelope{ch1, ch2} {
		for _, want := range []string{"e1", "e2", "e3"} {
			j, err := recv(t, ch).Join()
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if j.Epoch != want {
				t.Fatalf("epoch=%q, want %q", j.Epoch, want)
			}
		}
	}

	select {
	case env := <-chOther:
		t.Fatalf("unexpected delivery on other topic: %#v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	h, ch := collect(4)
	sub, err := b.Subscribe(ctx, "call-1", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := b.Subscribers("call-1"); got != 1 {
		t.Fatalf("Subscribers=%d, want 1", got)
	}
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(sub); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("second unsubscribe err=%v, want ErrUnknownSubscription", err)
	}
	if got := b.Subscribers("call-1"); got != 0 {
		t.Fatalf("Subscribers=%d, want 0", got)
	}

	if err := b.Publish(ctx, "call-1", testJoin(t, "alice", protocol.RoleInitiator, "e1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %#v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	ctx := context.Background()
	if _, err := b.Subscribe(ctx, "", func(protocol.Envelope) {}); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := b.Publish(ctx, "call-1", protocol.Envelope{Kind: protocol.KindOffer}); !errors.Is(err, protocol.ErrInvalidEnvelope) {
		t.Fatalf("err=%v, want ErrInvalidEnvelope", err)
	}
	_ = b.Close()
	if _, err := b.Subscribe(ctx, "call-1", func(protocol.Envelope) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestMemoryBroker_CountsQueueDrops(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	b := NewMemoryBroker(WithQueueLength(1), WithMetrics(m))
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	if _, err := b.Subscribe(ctx, "call-1", func(protocol.Envelope) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { close(release) })

	env := testJoin(t, "alice", protocol.RoleInitiator, "e1")
	if err := b.Publish(ctx, "call-1", env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
	// The handler is busy; one envelope fits in the queue, the next is dropped.
	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, "call-1", env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := m.Get(metrics.RelayQueueDrops); got != 1 {
		t.Fatalf("relay_queue_drops=%d, want 1", got)
	}
}

func TestDeliveryQueue_DropsWhenFull(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	q := newDeliveryQueue(2, m)
	env := testJoin(t, "alice", protocol.RoleInitiator, "e1")
	if !q.Enqueue(env) || !q.Enqueue(env) {
		t.Fatalf("expected first two enqueues to succeed")
	}
	if q.Enqueue(env) {
		t.Fatalf("expected third enqueue to be dropped")
	}
	if got := m.Get(metrics.RelayQueueDrops); got != 1 {
		t.Fatalf("relay_queue_drops=%d, want 1", got)
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatalf("expected queued envelope")
	}
	q.Close()
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected closed queue to return ok=false")
	}
}

// echoRelayServer answers subscribe frames by remembering the topic and
// echoes publish frames back as message frames.
func echoRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		subscribed := map[string]bool{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.ParseFrame(data)
			if err != nil {
				return
			}
			switch f.Op {
			case protocol.OpSubscribe:
				subscribed[f.Topic] = true
			case protocol.OpUnsubscribe:
				delete(subscribed, f.Topic)
			case protocol.OpPublish:
				if !subscribed[f.Topic] {
					continue
				}
				out, _ := json.Marshal(protocol.Frame{Op: protocol.OpMessage, Topic: f.Topic, Envelope: f.Envelope})
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSClient_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := echoRelayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := DialWS(ctx, WSClientConfig{URL: wsURL, Token: "secret-token"})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	h, ch := collect(4)
	sub, err := c.Subscribe(ctx, "call-1", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Publish(ctx, "call-1", testJoin(t, "alice", protocol.RoleInitiator, "e1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := recv(t, ch)
	if env.Kind != protocol.KindJoin || env.SenderID != "alice" {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	if err := c.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed after Close")
	}
	if err := c.Publish(ctx, "call-1", testJoin(t, "alice", protocol.RoleInitiator, "e2")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close err=%v, want ErrClosed", err)
	}
}

func TestWSClient_DialRejected(t *testing.T) {
	t.Parallel()

	srv := echoRelayServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := DialWS(context.Background(), WSClientConfig{URL: wsURL, Token: "wrong"}); err == nil {
		t.Fatalf("expected dial error")
	}
}

// TestRedisBroker_RoundTrip runs against a real Redis when
// INTERVIEW_RTC_TEST_REDIS_URL is set.
func TestRedisBroker_RoundTrip(t *testing.T) {
	url := os.Getenv("INTERVIEW_RTC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("INTERVIEW_RTC_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := DialRedis(ctx, RedisConfig{URL: url, ChannelPrefix: "interview-rtc-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	h, ch := collect(4)
	sub, err := b.Subscribe(ctx, "call-1", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "call-1", testJoin(t, "alice", protocol.RoleInitiator, "e1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if env := recv(t, ch); env.SenderID != "alice" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
