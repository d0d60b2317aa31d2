package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/negotiation"
)

// Factory creates pion peers for the coordinator.
type Factory struct {
	api *webrtc.API
	log *slog.Logger
}

var _ negotiation.PeerFactory = (*Factory)(nil)

func NewFactory(api *webrtc.API, logger *slog.Logger) *Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{api: api, log: logger}
}

func (f *Factory) NewPeer(cfg negotiation.PeerConfig, events negotiation.PeerEvents) (negotiation.Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &Peer{pc: pc, log: f.log.With("generation", cfg.Generation)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if events.OnICECandidate == nil {
			return
		}
		if c == nil {
			events.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		events.OnICECandidate(&init)
	})
	if events.OnNegotiationNeeded != nil {
		pc.OnNegotiationNeeded(events.OnNegotiationNeeded)
	}
	if events.OnSignalingStateChange != nil {
		pc.OnSignalingStateChange(events.OnSignalingStateChange)
	}
	if events.OnICEConnectionStateChange != nil {
		pc.OnICEConnectionStateChange(events.OnICEConnectionStateChange)
	}
	if events.OnConnectionStateChange != nil {
		pc.OnConnectionStateChange(events.OnConnectionStateChange)
	}
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug("remote track", "track_id", t.ID(), "kind", t.Kind().String(), "codec", t.Codec().MimeType)
		if events.OnTrack != nil {
			events.OnTrack(remoteTrack{t})
		}
	})
	return p, nil
}

// Peer adapts a pion PeerConnection to negotiation.Peer.
type Peer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu        sync.Mutex
	lastOffer string
}

var _ negotiation.Peer = (*Peer)(nil)

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeOffer {
		p.mu.Lock()
		p.lastOffer = desc.SDP
		p.mu.Unlock()
	}
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// Rollback discards the pending local offer. Pion wants the SDP being
// rolled back alongside the rollback type.
func (p *Peer) Rollback() error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("no local offer to roll back")
	}
	sdp := ""
	if pending := p.pc.PendingLocalDescription(); pending != nil {
		sdp = pending.SDP
	} else {
		p.mu.Lock()
		sdp = p.lastOffer
		p.mu.Unlock()
	}
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: sdp})
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

var _ media.RemoteTrack = remoteTrack{}

func (r remoteTrack) ID() string                       { return r.t.ID() }
func (r remoteTrack) StreamID() string                 { return r.t.StreamID() }
func (r remoteTrack) Kind() webrtc.RTPCodecType        { return r.t.Kind() }
func (r remoteTrack) Codec() webrtc.RTPCodecParameters { return r.t.Codec() }

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}
