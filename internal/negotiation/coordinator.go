// Package negotiation implements the call's signaling session coordinator:
// it drives one peer connection through perfect negotiation over a relay,
// buffers early ICE candidates, restarts ICE on failure and falls back to a
// bounded number of full reconnects.
//
// All negotiation state is owned by a single actor goroutine. Relay
// handlers, peer callbacks and timers only enqueue events, so the
// collision rules can be reasoned about (and tested) as a sequence of
// events rather than as concurrent callbacks.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
	"github.com/intervue/interview-rtc/internal/relay"
)

// session is one peer generation and its negotiation state.
type session struct {
	gen   uint64
	epoch string
	peer  Peer

	negotiation          NegotiationState
	phase                SignalingPhase
	hasRemoteDescription bool
	pending              []webrtc.ICECandidateInit
	// ignoreOffer is set when the impolite side discarded a colliding offer;
	// candidate failures for that offer are expected.
	ignoreOffer bool
	// iceRestarting is set between sending an ICE restart offer and
	// reaching connected.
	iceRestarting bool
	// offerRetries counts unanswered offers rolled back and re-sent.
	offerRetries int

	remoteID      string
	remoteEpoch   string
	remotePresent bool
	remote        *media.RemoteStream
}

// progressed reports whether any offer/answer happened on this peer.
func (s *session) progressed() bool {
	return s.hasRemoteDescription || s.negotiation != NegotiationIdle || s.phase != PhaseStable
}

// Coordinator negotiates one participant's side of a call: it owns the peer
// connection, exchanges descriptions and candidates with the remote over the
// relay, and recovers from connectivity loss until its reconnect budget is
// spent. Create it with New, then Start and eventually Stop it.
type Coordinator struct {
	cfg   Config
	id    Identity
	relay relay.Relay
	peers PeerFactory
	log   *slog.Logger
	m     *metrics.Metrics

	box *mailbox

	// mu guards the start/stop bookkeeping; it is held for all of Start.
	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	actorDone chan struct{}
	notify    *notifier
	stopOnce  sync.Once

	statusMu sync.Mutex
	status   Status

	// Actor-owned below.
	local             LocalStream
	localStopped      bool
	sub               relay.Subscription
	sess              *session
	gen               uint64
	lifecycle         Lifecycle
	reconnectAttempts int
	remoteNilSent     bool

	timerSeq uint64
	timers   map[timerKind]armedTimer
}

type armedTimer struct {
	seq   uint64
	timer Timer
}

// New validates cfg; nothing runs until Start.
func New(cfg Config, r relay.Relay, peers PeerFactory, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.Identity.validate(); err != nil {
		return nil, fmt.Errorf("negotiation: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("negotiation: relay is required")
	}
	if peers == nil {
		return nil, fmt.Errorf("negotiation: peer factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:   cfg,
		id:    cfg.Identity,
		relay: r,
		peers: peers,
		log: logger.With(
			"component", "negotiation",
			"call_id", cfg.Identity.CallID,
			"participant_id", cfg.Identity.ParticipantID,
			"role", string(cfg.Identity.Role),
			"polite", cfg.Polite,
		),
		m:      cfg.Metrics,
		box:    newMailbox(),
		timers: make(map[timerKind]armedTimer),
	}
	c.publishStatus()
	return c, nil
}

// Start creates the peer, attaches every local track, subscribes to the
// call topic and announces presence. ctx bounds the startup only; the
// coordinator then runs until Stop or terminal failure.
func (c *Coordinator) Start(ctx context.Context, stream LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ErrStopped
	case c.started:
		return ErrAlreadyStarted
	}
	if stream == nil {
		return fmt.Errorf("%w: nil local stream", ErrMediaAttach)
	}
	c.started = true
	c.local = stream

	sess, err := c.newSession()
	if err != nil {
		c.lifecycle = LifecycleTerminated
		c.publishStatus()
		return err
	}
	if err := c.attach(sess.peer); err != nil {
		_ = sess.peer.Close()
		c.lifecycle = LifecycleTerminated
		c.publishStatus()
		return err
	}
	sub, err := c.relay.Subscribe(ctx, c.id.CallID, c.onEnvelope)
	if err != nil {
		_ = sess.peer.Close()
		c.lifecycle = LifecycleTerminated
		c.publishStatus()
		return fmt.Errorf("negotiation: subscribe %q: %w", c.id.CallID, err)
	}
	c.sub = sub
	c.sess = sess
	// The notifier starts only once Start can no longer fail.
	c.notify = newNotifier()
	c.setLifecycle(LifecycleNegotiating)

	if f := c.cfg.OnLocalStream; f != nil {
		c.notify.notify(func() { f(stream) })
	}

	actorCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.actorDone = make(chan struct{})
	c.box.push(evAnnounce{})
	go c.run(actorCtx)

	c.log.Info("coordinator started", "generation", sess.gen, "epoch", sess.epoch)
	return nil
}

// Stop tears everything down. It is idempotent, safe before Start, and safe
// to call concurrently or from a callback.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		started := c.started
		cancel, actorDone := c.cancel, c.actorDone
		c.mu.Unlock()

		if !started {
			return
		}
		if cancel != nil {
			cancel()
			<-actorDone
		}

		// The actor has exited; this goroutine now owns its state.
		c.cancelTimers()
		c.closeSession()
		c.unsubscribe()
		c.stopLocal()
		c.setLifecycle(LifecycleTerminated)
		c.sendRemoteNil()
		c.publishStatus()
		if c.notify != nil {
			c.notify.close()
		}
		c.log.Info("coordinator stopped")
	})
}

// SetTrackEnabled toggles the local track of kind and reports whether one
// exists.
func (c *Coordinator) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return false
	}
	return local.SetEnabled(kind, enabled)
}

// Status returns the latest snapshot published by the actor.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Done is closed when the actor has exited, i.e. after Stop. It is nil
// before Start.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actorDone
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.actorDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.box.signal:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			ev, ok := c.box.pop()
			if !ok {
				break
			}
			c.dispatch(ctx, ev)
			c.publishStatus()
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev any) {
	if c.lifecycle == LifecycleTerminated {
		return
	}
	switch ev := ev.(type) {
	case evAnnounce:
		c.announce(ctx, "")
	case evEnvelope:
		c.handleEnvelope(ctx, ev.env)
	case evNegotiationNeeded:
		if c.current(ev.gen) {
			c.handleNegotiationNeeded(ctx)
		}
	case evLocalCandidate:
		if c.current(ev.gen) {
			c.sendCandidate(ctx, ev.init)
		}
	case evSignalingState:
		if c.current(ev.gen) {
			c.handleSignalingState(ev.state)
		}
	case evICEState:
		if c.current(ev.gen) {
			c.handleICEState(ctx, ev.state)
		}
	case evConnState:
		if c.current(ev.gen) {
			c.handleConnState(ctx, ev.state)
		}
	case evTrack:
		if c.current(ev.gen) {
			c.handleTrack(ev.track)
		}
	case evTimer:
		c.handleTimer(ctx, ev)
	default:
		c.log.Warn("unknown coordinator event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) current(gen uint64) bool {
	return c.sess != nil && c.sess.gen == gen
}

// newSession builds the next peer generation. Callbacks only enqueue.
func (c *Coordinator) newSession() (*session, error) {
	c.gen++
	gen := c.gen
	events := PeerEvents{
		OnICECandidate: func(init *webrtc.ICECandidateInit) {
			if init != nil {
				c.box.push(evLocalCandidate{gen: gen, init: *init})
			}
		},
		OnNegotiationNeeded: func() { c.box.push(evNegotiationNeeded{gen: gen}) },
		OnSignalingStateChange: func(s webrtc.SignalingState) {
			c.box.push(evSignalingState{gen: gen, state: s})
		},
		OnICEConnectionStateChange: func(s webrtc.ICEConnectionState) {
			c.box.push(evICEState{gen: gen, state: s})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			c.box.push(evConnState{gen: gen, state: s})
		},
		OnTrack: func(t media.RemoteTrack) { c.box.push(evTrack{gen: gen, track: t}) },
	}
	peer, err := c.peers.NewPeer(PeerConfig{ICEServers: c.cfg.ICEServers, Generation: gen}, events)
	if err != nil {
		return nil, fmt.Errorf("negotiation: create peer: %w", err)
	}
	return &session{
		gen:    gen,
		epoch:  uuid.NewString(),
		peer:   peer,
		remote: media.NewRemoteStream(fmt.Sprintf("%s-%d", c.id.CallID, gen)),
	}, nil
}

func (c *Coordinator) attach(peer Peer) error {
	for _, t := range c.local.Tracks() {
		if err := peer.AddTrack(t); err != nil {
			return fmt.Errorf("%w: %s track %q: %v", ErrMediaAttach, t.Kind(), t.ID(), err)
		}
	}
	return nil
}

func (c *Coordinator) closeSession() {
	if c.sess == nil {
		return
	}
	if err := c.sess.peer.Close(); err != nil {
		c.log.Debug("close peer", "generation", c.sess.gen, "err", err)
	}
	c.sess = nil
}

func (c *Coordinator) unsubscribe() {
	if c.sub == nil {
		return
	}
	if err := c.relay.Unsubscribe(c.sub); err != nil {
		c.log.Debug("unsubscribe", "err", err)
	}
	c.sub = nil
}

func (c *Coordinator) stopLocal() {
	if c.local == nil || c.localStopped {
		return
	}
	c.localStopped = true
	c.local.Stop()
}

func (c *Coordinator) sendRemoteNil() {
	if c.remoteNilSent || c.notify == nil {
		return
	}
	c.remoteNilSent = true
	if f := c.cfg.OnRemoteStream; f != nil {
		c.notify.notify(func() { f(nil) })
	}
}

func (c *Coordinator) setLifecycle(l Lifecycle) {
	if c.lifecycle == l {
		return
	}
	c.log.Debug("lifecycle", "from", c.lifecycle.String(), "to", l.String())
	c.lifecycle = l
	if f := c.cfg.OnLifecycle; f != nil && c.notify != nil {
		c.notify.notify(func() { f(l) })
	}
}

func (c *Coordinator) publishStatus() {
	st := Status{
		Lifecycle:         c.lifecycle,
		ReconnectAttempts: c.reconnectAttempts,
		Generation:        c.gen,
		Phase:             PhaseClosed,
	}
	if s := c.sess; s != nil {
		st.Negotiation = s.negotiation
		st.Phase = s.phase
		st.PendingCandidates = len(s.pending)
		st.HasRemoteDescription = s.hasRemoteDescription
		st.Epoch = s.epoch
		st.RemoteParticipantID = s.remoteID
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

func (c *Coordinator) onEnvelope(env protocol.Envelope) {
	c.box.push(evEnvelope{env: env})
}
