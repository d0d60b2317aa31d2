package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/protocol"
	"github.com/intervue/interview-rtc/internal/relay"
)

var errFake = errors.New("fake failure")

// fakePeer follows the offer/answer state machine closely enough for the
// coordinator: descriptions are only accepted in the matching signaling
// state and candidates need a remote description.
type fakePeer struct {
	gen    uint64
	events PeerEvents

	mu            sync.Mutex
	state         webrtc.SignalingState
	hasRemote     bool
	tracks        []webrtc.TrackLocal
	candidates    []string
	offers        int
	restartOffers int
	rollbacks     int
	closed        bool
	addTrackErr   error
}

func (p *fakePeer) setState(s webrtc.SignalingState) {
	p.state = s
	if f := p.events.OnSignalingStateChange; f != nil {
		f(s)
	}
}

func (p *fakePeer) AddTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addTrackErr != nil {
		return p.addTrackErr
	}
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errFake
	}
	p.offers++
	if iceRestart {
		p.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", p.gen, p.offers)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", p.state)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.gen)}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.setState(webrtc.SignalingStateHaveLocalOffer)
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.setState(webrtc.SignalingStateStable)
	default:
		return fmt.Errorf("set local %s in %s", d.Type, p.state)
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.setState(webrtc.SignalingStateHaveRemoteOffer)
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.setState(webrtc.SignalingStateStable)
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, p.state)
	}
	p.hasRemote = true
	return nil
}

func (p *fakePeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == webrtc.SignalingStateStable {
		return errors.New("nothing to roll back")
	}
	p.rollbacks++
	p.setState(webrtc.SignalingStateStable)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type peerState struct {
	state         webrtc.SignalingState
	hasRemote     bool
	tracks        int
	candidates    []string
	offers        int
	restartOffers int
	rollbacks     int
	closed        bool
}

func (p *fakePeer) snapshot() peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerState{
		state:         p.state,
		hasRemote:     p.hasRemote,
		tracks:        len(p.tracks),
		candidates:    append([]string(nil), p.candidates...),
		offers:        p.offers,
		restartOffers: p.restartOffers,
		rollbacks:     p.rollbacks,
		closed:        p.closed,
	}
}

func (p *fakePeer) iceState(s webrtc.ICEConnectionState) { p.events.OnICEConnectionStateChange(s) }

func (p *fakePeer) connState(s webrtc.PeerConnectionState) { p.events.OnConnectionStateChange(s) }

type fakeFactory struct {
	mu          sync.Mutex
	peers       []*fakePeer
	addTrackErr error
	newErr      error
}

func (f *fakeFactory) NewPeer(cfg PeerConfig, events PeerEvents) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	p := &fakePeer{gen: cfg.Generation, events: events, addTrackErr: f.addTrackErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Duration
	f     func()
	done  bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

// Advance fires every timer that is due, in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && t.at <= c.now {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].at < due[j-1].at; j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	for _, t := range due {
		t.f()
	}
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return "remote" }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: media.VideoVP8}
}
func (t fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, errFake }

// remotePeer plays the other participant at the envelope level.
type remotePeer struct {
	t      *testing.T
	broker *relay.MemoryBroker
	id     string
	role   protocol.Role
	ch     chan protocol.Envelope
}

func newRemotePeer(t *testing.T, broker *relay.MemoryBroker, id string, role protocol.Role) *remotePeer {
	t.Helper()
	r := &remotePeer{t: t, broker: broker, id: id, role: role, ch: make(chan protocol.Envelope, 128)}
	sub, err := broker.Subscribe(testContext(t), testCall, func(env protocol.Envelope) {
		if env.SenderID != id {
			r.ch <- env
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = broker.Unsubscribe(sub) })
	return r
}

func (r *remotePeer) header(to string) protocol.Header {
	return protocol.Header{SenderID: r.id, RecipientID: to, SenderRole: r.role}
}

func (r *remotePeer) publish(env protocol.Envelope, err error) {
	r.t.Helper()
	if err != nil {
		r.t.Fatalf("build envelope: %v", err)
	}
	if err := r.broker.Publish(testContext(r.t), testCall, env); err != nil {
		r.t.Fatalf("publish: %v", err)
	}
}

func (r *remotePeer) join(to, epoch string) {
	r.t.Helper()
	r.publish(protocol.NewJoin(r.header(to), epoch))
}

func (r *remotePeer) offer(to, sdp string) {
	r.t.Helper()
	r.publish(protocol.NewDescription(r.header(to), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}))
}

func (r *remotePeer) answer(to, sdp string) {
	r.t.Helper()
	r.publish(protocol.NewDescription(r.header(to), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}))
}

func (r *remotePeer) candidate(to, cand string) {
	r.t.Helper()
	r.publish(protocol.NewCandidate(r.header(to), webrtc.ICECandidateInit{Candidate: cand}))
}

// expect returns the next envelope of kind, discarding others.
func (r *remotePeer) expect(kind protocol.Kind) protocol.Envelope {
	r.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-r.ch:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			r.t.Fatalf("timed out waiting for %s envelope", kind)
			return protocol.Envelope{}
		}
	}
}

// drain returns everything received so far.
func (r *remotePeer) drain() []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-r.ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type heldEnvelope struct {
	topic string
	env   protocol.Envelope
}

// gatedRelay holds published envelopes while paused so two coordinators can
// be made to send at the same moment.
type gatedRelay struct {
	relay.Relay

	mu     sync.Mutex
	paused bool
	held   []heldEnvelope
}

func (g *gatedRelay) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.held = append(g.held, heldEnvelope{topic: topic, env: env})
		return nil
	}
	return g.Relay.Publish(ctx, topic, env)
}

func (g *gatedRelay) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// resume delivers held envelopes in publish order. Publishes made while it
// flushes wait so they cannot overtake held envelopes.
func (g *gatedRelay) resume(t *testing.T) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.held {
		if err := g.Relay.Publish(testContext(t), h.topic, h.env); err != nil {
			t.Fatalf("publish held envelope: %v", err)
		}
	}
	g.held = nil
	g.paused = false
}
