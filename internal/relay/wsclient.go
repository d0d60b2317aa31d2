package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

const (
	wsWriteWait           = 5 * time.Second
	DefaultWSPingInterval = 20 * time.Second
)

// WSClientConfig configures a connection to the relay server's /signal
// endpoint.
type WSClientConfig struct {
	URL string
	// Token is sent as a bearer token when set.
	Token        string
	Header       http.Header
	PingInterval time.Duration
	// MaxMessageBytes bounds inbound frames. Zero means no limit.
	MaxMessageBytes int64
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
	// Metrics counts envelopes dropped on full subscriber queues.
	Metrics *metrics.Metrics
}

// WSClient is a Relay that multiplexes topics over one websocket to the relay
// server. The server fans envelopes out; this client only routes them to the
// local handlers.
type WSClient struct {
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
	topics map[string]map[string]*wsSubscriber

	done      chan struct{}
	closeOnce sync.Once
}

type wsSubscriber struct {
	sub   subscription
	queue *deliveryQueue
}

// DialWS connects to the relay server and starts the read and keepalive
// loops.
func DialWS(ctx context.Context, cfg WSClientConfig) (*WSClient, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, vs := range cfg.Header {
		header[k] = append([]string(nil), vs...)
	}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSClient{
		conn:   conn,
		log:    logger.With("component", "relay_ws"),
		m:      cfg.Metrics,
		topics: make(map[string]map[string]*wsSubscriber),
		done:   make(chan struct{}),
	}

	ping := cfg.PingInterval
	if ping <= 0 {
		ping = DefaultWSPingInterval
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * ping))
	})

	go c.readLoop()
	go c.keepalive(ping)
	return c, nil
}

// Done is closed when the connection is gone.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, if it has.
func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WSClient) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if err := protocol.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", topic)
	}

	s := &wsSubscriber{
		sub:   subscription{id: uuid.NewString(), topic: topic},
		queue: newDeliveryQueue(DefaultQueueLength, c.m),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	subs := c.topics[topic]
	first := subs == nil
	if first {
		subs = make(map[string]*wsSubscriber)
		c.topics[topic] = subs
	}
	subs[s.sub.id] = s
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(ctx, protocol.Frame{Op: protocol.OpSubscribe, Topic: topic}); err != nil {
			_ = c.Unsubscribe(s.sub)
			return nil, fmt.Errorf("subscribe %q: %w", topic, err)
		}
	}

	go s.queue.pump(h)
	return s.sub, nil
}

func (c *WSClient) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	if err := protocol.ValidateTopic(topic); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	return c.writeFrame(ctx, protocol.Frame{Op: protocol.OpPublish, Topic: topic, Envelope: &env})
}

func (c *WSClient) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	c.mu.Lock()
	subs := c.topics[sub.Topic()]
	s, ok := subs[sub.ID()]
	last := false
	if ok {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(c.topics, sub.Topic())
			last = true
		}
	}
	closed := c.closed
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	s.queue.Close()

	if last && !closed {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		defer cancel()
		if err := c.writeFrame(ctx, protocol.Frame{Op: protocol.OpUnsubscribe, Topic: sub.Topic()}); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	return nil
}

func (c *WSClient) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *WSClient) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		topics := c.topics
		c.topics = nil
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()

		for _, subs := range topics {
			for _, s := range subs {
				s.queue.Close()
			}
		}
		close(c.done)
	})
}

func (c *WSClient) writeFrame(ctx context.Context, f protocol.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		go c.shutdown(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

func (c *WSClient) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("relay connection lost", "err", err)
			}
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		switch f.Op {
		case protocol.OpMessage:
			c.dispatch(f.Topic, *f.Envelope)
		case protocol.OpError:
			c.log.Warn("relay server error", "code", f.Code, "message", f.Message, "topic", f.Topic)
		default:
			c.log.Debug("ignoring unexpected frame", "op", f.Op)
		}
	}
}

func (c *WSClient) dispatch(topic string, env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.topics[topic] {
		s.queue.Enqueue(env)
	}
}

func (c *WSClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
