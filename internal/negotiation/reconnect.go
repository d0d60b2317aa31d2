package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/metrics"
)

func (c *Coordinator) armTimer(kind timerKind, d time.Duration) {
	c.stopTimer(kind)
	c.timerSeq++
	seq := c.timerSeq
	t := c.cfg.Clock.AfterFunc(d, func() { c.box.push(evTimer{kind: kind, seq: seq}) })
	c.timers[kind] = armedTimer{seq: seq, timer: t}
}

func (c *Coordinator) stopTimer(kind timerKind) {
	if at, ok := c.timers[kind]; ok {
		at.timer.Stop()
		delete(c.timers, kind)
	}
}

// stopSessionTimers stops every timer tied to the current peer generation.
func (c *Coordinator) stopSessionTimers() {
	c.stopTimer(timerGrace)
	c.stopTimer(timerICERestart)
	c.stopTimer(timerAnnounce)
	c.stopTimer(timerOffer)
}

func (c *Coordinator) cancelTimers() {
	for kind := range c.timers {
		c.stopTimer(kind)
	}
}

func (c *Coordinator) handleTimer(ctx context.Context, ev evTimer) {
	at, ok := c.timers[ev.kind]
	if !ok || at.seq != ev.seq {
		// Stopped or re-armed after firing.
		return
	}
	delete(c.timers, ev.kind)
	c.log.Debug("timer fired", "timer", ev.kind.String())

	switch ev.kind {
	case timerGrace:
		c.onICEFailed(ctx, "disconnected past grace period")
	case timerICERestart:
		if s := c.sess; s != nil {
			s.iceRestarting = false
		}
		c.fullReconnect(ctx, "ice restart timed out")
	case timerBackoff:
		c.rebuild(ctx, true, nil)
	case timerAnnounce:
		c.onAnnounceTimer(ctx)
	case timerOffer:
		c.onOfferTimeout(ctx)
	}
}

func (c *Coordinator) handleICEState(ctx context.Context, state webrtc.ICEConnectionState) {
	c.log.Debug("ice connection state", "state", state.String(), "generation", c.sess.gen)
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.onConnected()
	case webrtc.ICEConnectionStateDisconnected:
		c.onDisconnected()
	case webrtc.ICEConnectionStateFailed:
		c.onICEFailed(ctx, "ice failed")
	}
}

func (c *Coordinator) handleConnState(ctx context.Context, state webrtc.PeerConnectionState) {
	c.log.Debug("connection state", "state", state.String(), "generation", c.sess.gen)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.onConnected()
	case webrtc.PeerConnectionStateDisconnected:
		c.onDisconnected()
	case webrtc.PeerConnectionStateFailed:
		if c.sess.iceRestarting {
			return
		}
		c.setLifecycle(LifecycleFailed)
		c.fullReconnect(ctx, "peer connection failed")
	}
}

// onDisconnected gives the transport DisconnectGrace to recover on its own.
func (c *Coordinator) onDisconnected() {
	if c.lifecycle == LifecycleConnected {
		c.setLifecycle(LifecycleDisconnected)
	}
	if _, armed := c.timers[timerGrace]; !armed && !c.sess.iceRestarting {
		c.armTimer(timerGrace, c.cfg.DisconnectGrace)
	}
}

func (c *Coordinator) onConnected() {
	c.sess.iceRestarting = false
	c.stopTimer(timerGrace)
	c.stopTimer(timerICERestart)
	if c.reconnectAttempts > 0 {
		c.log.Info("reconnected", "attempts", c.reconnectAttempts, "generation", c.sess.gen)
	}
	c.reconnectAttempts = 0
	c.setLifecycle(LifecycleConnected)
}

// onICEFailed tries an ICE restart on the existing peer first and falls back
// to rebuilding it.
func (c *Coordinator) onICEFailed(ctx context.Context, reason string) {
	c.stopTimer(timerGrace)
	s := c.sess
	if s == nil || s.iceRestarting {
		return
	}
	c.setLifecycle(LifecycleFailed)

	if s.hasRemoteDescription && s.remotePresent && s.negotiation == NegotiationIdle && s.phase == PhaseStable {
		err := c.makeOffer(ctx, true)
		if err == nil {
			s.iceRestarting = true
			c.armTimer(timerICERestart, c.cfg.ICERestartTimeout)
			c.m.Inc(metrics.ICERestarts)
			c.log.Info("ice restart", "reason", reason, "generation", s.gen)
			return
		}
		c.log.Warn("ice restart failed", "err", err)
	}
	c.fullReconnect(ctx, reason)
}

// fullReconnect drops the peer and schedules a rebuild, or terminates once
// the budget is spent.
func (c *Coordinator) fullReconnect(ctx context.Context, reason string) {
	c.stopSessionTimers()
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.terminate(reason)
		return
	}
	c.reconnectAttempts++
	c.m.Inc(metrics.Reconnects)
	delay := c.cfg.ReconnectBackoff * time.Duration(c.reconnectAttempts)
	c.log.Warn("reconnecting",
		"reason", reason,
		"attempt", c.reconnectAttempts,
		"max_attempts", c.cfg.MaxReconnectAttempts,
		"backoff", delay.String(),
	)
	c.closeSession()
	c.setLifecycle(LifecycleReconnecting)
	c.armTimer(timerBackoff, delay)
}

// rebuild replaces the session with a fresh peer generation and announces
// it. resubscribe renews the relay subscription as well. preset seeds the
// new session before the announce.
func (c *Coordinator) rebuild(ctx context.Context, resubscribe bool, preset func(*session)) {
	c.stopSessionTimers()
	c.closeSession()

	next, err := c.newSession()
	if err == nil {
		if err = c.attach(next.peer); err != nil {
			_ = next.peer.Close()
		}
	}
	if err == nil && resubscribe {
		if err = c.resubscribe(ctx); err != nil {
			_ = next.peer.Close()
		}
	}
	if err != nil {
		c.log.Warn("rebuild failed", "err", err)
		c.fullReconnect(ctx, "rebuild failed")
		return
	}
	if preset != nil {
		preset(next)
	}
	c.sess = next
	c.setLifecycle(LifecycleNegotiating)
	c.log.Info("peer rebuilt", "generation", next.gen, "epoch", next.epoch)
	c.announce(ctx, "")
}

func (c *Coordinator) resubscribe(ctx context.Context) error {
	c.unsubscribe()
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	sub, err := c.relay.Subscribe(ctx, c.id.CallID, c.onEnvelope)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", c.id.CallID, err)
	}
	c.sub = sub
	return nil
}

// terminate is the end state after the budget is spent. The local stream
// stays up until Stop.
func (c *Coordinator) terminate(reason string) {
	c.cancelTimers()
	c.m.Inc(metrics.TerminalFailures)
	c.log.Error("giving up on call", "reason", reason, "attempts", c.reconnectAttempts)
	c.closeSession()
	c.unsubscribe()
	c.setLifecycle(LifecycleTerminated)
	c.sendRemoteNil()
}
