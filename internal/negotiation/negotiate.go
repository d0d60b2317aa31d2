package negotiation

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

func (c *Coordinator) header(recipient string) protocol.Header {
	if recipient == "" {
		recipient = protocol.Broadcast
	}
	return protocol.Header{
		SenderID:    c.id.ParticipantID,
		RecipientID: recipient,
		SenderRole:  c.id.Role,
	}
}

func (c *Coordinator) publish(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return c.relay.Publish(ctx, c.id.CallID, env)
}

// announce publishes a join carrying the current epoch, broadcast when
// recipient is empty. A broadcast is repeated every AnnounceInterval until
// the session progresses.
func (c *Coordinator) announce(ctx context.Context, recipient string) {
	s := c.sess
	if s == nil {
		return
	}
	if recipient == "" {
		c.armTimer(timerAnnounce, c.cfg.AnnounceInterval)
	}
	env, err := protocol.NewJoin(c.header(recipient), s.epoch)
	if err == nil {
		err = c.publish(ctx, env)
	}
	if err != nil {
		c.log.Warn("announce failed", "recipient", env.RecipientID, "err", err)
	}
}

func (c *Coordinator) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	if env.SenderID == c.id.ParticipantID || env.SenderRole == c.id.Role || !env.AddressedTo(c.id.ParticipantID) {
		c.m.Inc(metrics.EnvelopesFiltered)
		return
	}
	if c.sess == nil {
		c.log.Debug("dropping envelope while reconnecting", "kind", env.Kind, "sender_id", env.SenderID)
		return
	}

	var err error
	switch env.Kind {
	case protocol.KindJoin:
		err = c.handleJoin(ctx, env)
	case protocol.KindOffer:
		err = c.handleOffer(ctx, env)
	case protocol.KindAnswer:
		err = c.handleAnswer(env)
	case protocol.KindICECandidate:
		err = c.handleRemoteCandidate(env)
	}
	if errors.Is(err, protocol.ErrInvalidEnvelope) {
		c.m.Inc(metrics.EnvelopesMalformed)
		c.log.Warn("malformed envelope", "kind", env.Kind, "sender_id", env.SenderID, "err", err)
	} else if err != nil {
		c.log.Warn("envelope handling failed", "kind", env.Kind, "sender_id", env.SenderID, "err", err)
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, env protocol.Envelope) error {
	j, err := env.Join()
	if err != nil {
		return err
	}
	s := c.sess
	if s.remoteEpoch != "" && j.Epoch != s.remoteEpoch && s.progressed() {
		// The remote rebuilt its connection; ours is negotiated against a
		// peer that no longer exists.
		c.m.Inc(metrics.RemoteRestarts)
		c.log.Info("remote restarted", "remote_id", env.SenderID, "old_epoch", s.remoteEpoch, "epoch", j.Epoch)
		c.rebuild(ctx, false, func(next *session) {
			next.remoteID = env.SenderID
			next.remoteEpoch = j.Epoch
			next.remotePresent = true
		})
		return nil
	}

	s.remotePresent = true
	s.remoteID = env.SenderID
	s.remoteEpoch = j.Epoch
	if env.RecipientID == protocol.Broadcast {
		c.announce(ctx, env.SenderID)
	}
	if !c.cfg.Polite {
		c.maybeOffer(ctx)
	}
	return nil
}

// onAnnounceTimer re-broadcasts the join while no offer/answer exchange has
// started, so a join lost by the relay does not stall the call.
func (c *Coordinator) onAnnounceTimer(ctx context.Context) {
	s := c.sess
	if s == nil || s.progressed() {
		return
	}
	if !c.cfg.Polite && s.remotePresent {
		c.maybeOffer(ctx)
		if s.progressed() {
			return
		}
	}
	c.m.Inc(metrics.JoinsRepeated)
	c.log.Debug("repeating join", "generation", s.gen, "remote_present", s.remotePresent)
	c.announce(ctx, "")
}

// handleNegotiationNeeded offers on the impolite side only. The polite side
// waits for the remote's offer; its only offers are ICE restarts.
func (c *Coordinator) handleNegotiationNeeded(ctx context.Context) {
	if c.cfg.Polite {
		c.log.Debug("negotiation needed; waiting for the remote offer")
		return
	}
	c.maybeOffer(ctx)
}

// maybeOffer starts a round if nothing is in flight and the remote is known
// to be listening.
func (c *Coordinator) maybeOffer(ctx context.Context) {
	s := c.sess
	if s == nil || !s.remotePresent || s.negotiation != NegotiationIdle || s.phase != PhaseStable {
		return
	}
	if err := c.makeOffer(ctx, false); err != nil {
		c.log.Warn("offer failed", "err", err)
	}
}

func (c *Coordinator) makeOffer(ctx context.Context, iceRestart bool) error {
	s := c.sess
	s.negotiation = NegotiationCreatingOffer
	offer, err := s.peer.CreateOffer(iceRestart)
	if err == nil {
		err = s.peer.SetLocalDescription(offer)
	}
	if err != nil {
		s.negotiation = NegotiationIdle
		c.syncPhase()
		return err
	}
	s.negotiation = NegotiationOfferSent
	s.ignoreOffer = false
	c.syncPhase()
	if !iceRestart {
		// ICE restart offers are bounded by ICERestartTimeout instead.
		c.armTimer(timerOffer, c.cfg.OfferTimeout)
	}

	env, err := protocol.NewDescription(c.header(""), offer)
	if err == nil {
		err = c.publish(ctx, env)
	}
	if err != nil {
		// The offer stays applied locally; a later collision or
		// renegotiation resolves it.
		return err
	}
	c.m.Inc(metrics.OffersSent)
	c.log.Debug("offer sent", "generation", s.gen, "ice_restart", iceRestart)
	return nil
}

// onOfferTimeout rolls back an unanswered offer and sends it again, then
// gives up on the peer once maxOfferRetries is spent.
func (c *Coordinator) onOfferTimeout(ctx context.Context) {
	s := c.sess
	if s == nil || s.negotiation != NegotiationOfferSent || s.phase != PhaseHaveLocalOffer {
		return
	}
	c.m.Inc(metrics.OfferTimeouts)
	if s.offerRetries >= maxOfferRetries {
		c.fullReconnect(ctx, "offer unanswered")
		return
	}
	s.offerRetries++
	c.log.Warn("offer unanswered; re-sending", "generation", s.gen, "retry", s.offerRetries)
	if err := s.peer.Rollback(); err != nil {
		c.log.Warn("rollback failed", "err", err)
	}
	s.negotiation = NegotiationIdle
	c.syncPhase()
	if err := c.makeOffer(ctx, false); err != nil {
		c.log.Warn("offer failed", "err", err)
		c.fullReconnect(ctx, "offer failed")
	}
}

func (c *Coordinator) handleOffer(ctx context.Context, env protocol.Envelope) error {
	desc, err := env.Description()
	if err != nil {
		return err
	}
	s := c.sess
	s.remotePresent = true
	s.remoteID = env.SenderID

	collision := s.negotiation == NegotiationCreatingOffer || s.phase != PhaseStable
	s.ignoreOffer = !c.cfg.Polite && collision
	if s.ignoreOffer {
		c.m.Inc(metrics.OffersIgnored)
		c.log.Debug("ignoring colliding offer", "sender_id", env.SenderID)
		return nil
	}
	if collision {
		c.stopTimer(timerOffer)
		c.m.Inc(metrics.OfferCollisions)
		if err := s.peer.Rollback(); err != nil {
			c.log.Warn("rollback failed", "err", err)
		}
		s.negotiation = NegotiationIdle
		c.syncPhase()
	}

	s.negotiation = NegotiationAnsweringOffer
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		s.negotiation = NegotiationIdle
		c.syncPhase()
		return err
	}
	s.hasRemoteDescription = true
	c.syncPhase()
	c.drainCandidates()

	answer, err := s.peer.CreateAnswer()
	if err == nil {
		err = s.peer.SetLocalDescription(answer)
	}
	if err != nil {
		s.negotiation = NegotiationIdle
		c.syncPhase()
		return err
	}
	s.negotiation = NegotiationIdle
	c.syncPhase()

	out, err := protocol.NewDescription(c.header(env.SenderID), answer)
	if err == nil {
		err = c.publish(ctx, out)
	}
	if err != nil {
		return err
	}
	c.m.Inc(metrics.AnswersSent)
	return nil
}

func (c *Coordinator) handleAnswer(env protocol.Envelope) error {
	desc, err := env.Description()
	if err != nil {
		return err
	}
	s := c.sess
	if s.phase != PhaseHaveLocalOffer {
		c.m.Inc(metrics.StaleAnswers)
		c.log.Debug("ignoring answer without a pending offer", "sender_id", env.SenderID, "phase", s.phase.String())
		return nil
	}
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		if rbErr := s.peer.Rollback(); rbErr != nil {
			c.log.Warn("rollback failed", "err", rbErr)
		}
		s.negotiation = NegotiationIdle
		c.syncPhase()
		return err
	}
	c.stopTimer(timerOffer)
	s.offerRetries = 0
	s.remoteID = env.SenderID
	s.hasRemoteDescription = true
	s.negotiation = NegotiationIdle
	c.syncPhase()
	c.drainCandidates()
	return nil
}

func (c *Coordinator) handleRemoteCandidate(env protocol.Envelope) error {
	init, err := env.Candidate()
	if err != nil {
		return err
	}
	s := c.sess
	if !s.hasRemoteDescription {
		s.pending = append(s.pending, init)
		c.m.Inc(metrics.CandidatesQueued)
		return nil
	}
	c.applyCandidate(init)
	return nil
}

func (c *Coordinator) applyCandidate(init webrtc.ICECandidateInit) {
	s := c.sess
	if err := s.peer.AddICECandidate(init); err != nil {
		c.m.Inc(metrics.CandidateFailures)
		if s.ignoreOffer {
			c.log.Debug("candidate for ignored offer rejected", "err", err)
			return
		}
		c.log.Warn("add candidate failed", "candidate", init.Candidate, "err", err)
	}
}

// drainCandidates applies queued remote candidates in arrival order.
func (c *Coordinator) drainCandidates() {
	s := c.sess
	if s == nil || !s.hasRemoteDescription || len(s.pending) == 0 {
		return
	}
	pending := s.pending
	s.pending = nil
	for _, init := range pending {
		c.applyCandidate(init)
	}
}

func (c *Coordinator) sendCandidate(ctx context.Context, init webrtc.ICECandidateInit) {
	env, err := protocol.NewCandidate(c.header(c.sess.remoteID), init)
	if err == nil {
		err = c.publish(ctx, env)
	}
	if err != nil {
		c.log.Warn("send candidate failed", "err", err)
	}
}

func (c *Coordinator) syncPhase() {
	if s := c.sess; s != nil {
		s.phase = phaseOf(s.peer.SignalingState())
	}
}

func (c *Coordinator) handleSignalingState(state webrtc.SignalingState) {
	c.syncPhase()
	if phaseOf(state) == PhaseStable {
		c.drainCandidates()
	}
}

func (c *Coordinator) handleTrack(t media.RemoteTrack) {
	s := c.sess
	if !s.remote.AddTrack(t) {
		c.log.Debug("remote track replaced", "track_id", t.ID(), "kind", t.Kind().String())
	}
	c.m.Inc(metrics.RemoteTracksArrived)
	c.log.Info("remote track", "track_id", t.ID(), "kind", t.Kind().String(), "codec", t.Codec().MimeType)
	if f := c.cfg.OnRemoteStream; f != nil {
		remote := s.remote
		c.notify.notify(func() { f(remote) })
	}
}
