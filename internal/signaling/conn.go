package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
	"github.com/intervue/interview-rtc/internal/ratelimit"
	"github.com/intervue/interview-rtc/internal/relay"
)

const wsWriteWait = 5 * time.Second

// conn is one authenticated websocket. The read loop runs on the HTTP
// handler goroutine; a single writer goroutine owns data frames and pings.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	id  auth.Identity
	log *slog.Logger
	m   *metrics.Metrics

	bucket *ratelimit.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	// subs is only touched by the read loop.
	subs map[string]relay.Subscription

	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, id auth.Identity) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv: s,
		ws:  ws,
		id:  id,
		log: s.log.With(
			"call_id", id.CallID,
			"participant_id", id.ParticipantID,
			"role", string(id.Role),
		),
		m:      s.cfg.Metrics,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, s.cfg.SendQueueLength),
		subs:   make(map[string]relay.Subscription),
	}
	if n := int64(s.cfg.MessagesPerSecond); n > 0 {
		c.bucket = ratelimit.NewTokenBucket(s.cfg.Clock, n, n)
	}
	return c
}

func (c *conn) run() {
	defer c.cancel()
	defer c.unsubscribeAll()

	idle := c.srv.cfg.IdleTimeout
	if limit := c.srv.cfg.MaxMessageBytes; limit > 0 {
		c.ws.SetReadLimit(limit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	defer func() { <-writerDone }()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.m.Inc(metrics.FramesMalformed)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Debug("signaling read failed", "err", err)
				}
				c.closeWith(websocket.CloseNormalClosure, "")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		c.m.Inc(metrics.FramesIn)

		if msgType != websocket.TextMessage {
			c.m.Inc(metrics.FramesMalformed)
			c.sendError("", protocol.CodeBadFrame, "expected text frame")
			continue
		}
		if c.bucket != nil && !c.bucket.Allow(1) {
			c.m.Inc(metrics.DropReasonRateLimited)
			c.sendError("", protocol.CodeRateLimited, "rate limit exceeded")
			continue
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.m.Inc(metrics.FramesMalformed)
			c.sendError("", protocol.CodeBadFrame, err.Error())
			continue
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f protocol.Frame) {
	switch f.Op {
	case protocol.OpSubscribe:
		c.subscribe(f.Topic)
	case protocol.OpUnsubscribe:
		if sub, ok := c.subs[f.Topic]; ok {
			delete(c.subs, f.Topic)
			_ = c.srv.cfg.Relay.Unsubscribe(sub)
		}
	case protocol.OpPublish:
		c.publish(f.Topic, *f.Envelope)
	default:
		c.m.Inc(metrics.FramesMalformed)
		c.sendError(f.Topic, protocol.CodeBadFrame, "unexpected op "+string(f.Op))
	}
}

func (c *conn) subscribe(topic string) {
	if topic != c.id.CallID {
		c.m.Inc(metrics.SubscribeForbidden)
		c.sendError(topic, protocol.CodeForbidden, "topic not granted")
		return
	}
	if _, ok := c.subs[topic]; ok {
		return
	}
	sub, err := c.srv.cfg.Relay.Subscribe(c.ctx, topic, func(env protocol.Envelope) {
		c.deliver(topic, env)
	})
	if err != nil {
		c.m.Inc(metrics.RelaySubscribeFailures)
		c.log.Warn("relay subscribe failed", "topic", topic, "err", err)
		c.sendError(topic, protocol.CodeUnavailable, "subscribe failed")
		return
	}
	c.subs[topic] = sub
}

func (c *conn) publish(topic string, env protocol.Envelope) {
	if topic != c.id.CallID {
		c.m.Inc(metrics.PublishForbidden)
		c.sendError(topic, protocol.CodeForbidden, "topic not granted")
		return
	}
	env.SenderID = c.id.ParticipantID
	env.SenderRole = c.id.Role
	if err := env.Validate(); err != nil {
		c.m.Inc(metrics.FramesMalformed)
		c.sendError(topic, protocol.CodeBadFrame, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, wsWriteWait)
	defer cancel()
	if err := c.srv.cfg.Relay.Publish(ctx, topic, env); err != nil {
		c.m.Inc(metrics.RelayPublishFailures)
		c.log.Warn("relay publish failed", "topic", topic, "kind", string(env.Kind), "err", err)
		c.sendError(topic, protocol.CodeUnavailable, "publish failed")
	}
}

// deliver runs on the relay's delivery goroutine. A participant's own
// envelopes are not echoed back.
func (c *conn) deliver(topic string, env protocol.Envelope) {
	if env.SenderID == c.id.ParticipantID {
		return
	}
	payload, err := json.Marshal(protocol.Frame{Op: protocol.OpMessage, Topic: topic, Envelope: &env})
	if err != nil {
		c.log.Warn("encode message frame", "err", err)
		return
	}
	c.enqueue(payload)
}

func (c *conn) sendError(topic, code, message string) {
	payload, err := json.Marshal(protocol.Frame{Op: protocol.OpError, Topic: topic, Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *conn) enqueue(payload []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.m.Inc(metrics.DropReasonSendQueue)
		c.log.Debug("signaling send queue full, dropping frame")
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
			c.m.Inc(metrics.FramesOut)
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *conn) unsubscribeAll() {
	for topic, sub := range c.subs {
		_ = c.srv.cfg.Relay.Unsubscribe(sub)
		delete(c.subs, topic)
	}
}

// closeWith sends a close frame (unless the connection already broke) and
// closes the socket. Safe from any goroutine.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if code != websocket.CloseAbnormalClosure {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(wsWriteWait))
		}
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
