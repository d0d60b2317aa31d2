package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
)

// Peer is the slice of a peer connection the coordinator drives. Every
// method is called from the coordinator's actor goroutine only.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	Close() error
}

// PeerEvents receives the peer's callbacks. Implementations may invoke them
// from any goroutine; the coordinator only enqueues.
type PeerEvents struct {
	// OnICECandidate receives each gathered local candidate; nil marks the end
	// of gathering.
	OnICECandidate             func(*webrtc.ICECandidateInit)
	OnNegotiationNeeded        func()
	OnSignalingStateChange     func(webrtc.SignalingState)
	OnICEConnectionStateChange func(webrtc.ICEConnectionState)
	OnConnectionStateChange    func(webrtc.PeerConnectionState)
	OnTrack                    func(media.RemoteTrack)
}

// PeerConfig is what a factory needs to build one peer generation.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer
	// Generation increases with every rebuilt peer of one coordinator.
	Generation uint64
}

// PeerFactory builds a fresh peer for every generation: at Start and after
// each full reconnect or remote restart.
type PeerFactory interface {
	NewPeer(cfg PeerConfig, events PeerEvents) (Peer, error)
}

// PeerFactoryFunc adapts a function to PeerFactory.
type PeerFactoryFunc func(cfg PeerConfig, events PeerEvents) (Peer, error)

func (f PeerFactoryFunc) NewPeer(cfg PeerConfig, events PeerEvents) (Peer, error) {
	return f(cfg, events)
}

// LocalStream is the caller's captured media. Once passed to Start the
// coordinator owns it and stops it exactly once. SetEnabled must be safe for
// concurrent use.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool
	Stop()
}
