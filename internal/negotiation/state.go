package negotiation

import "github.com/pion/webrtc/v4"

// Lifecycle is the coordinator's connection lifecycle:
//
//	Idle -> Negotiating <-> Connected -> Disconnected/Failed -> Reconnecting -> Negotiating
//
// or Terminated once stopped or out of reconnect budget.
type Lifecycle int

const (
	LifecycleIdle Lifecycle = iota
	LifecycleNegotiating
	LifecycleConnected
	LifecycleDisconnected
	LifecycleFailed
	LifecycleReconnecting
	LifecycleTerminated
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "idle"
	case LifecycleNegotiating:
		return "negotiating"
	case LifecycleConnected:
		return "connected"
	case LifecycleDisconnected:
		return "disconnected"
	case LifecycleFailed:
		return "failed"
	case LifecycleReconnecting:
		return "reconnecting"
	case LifecycleTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// NegotiationState tracks this side's part in the current offer/answer
// round. Anything but Idle blocks creating another offer.
type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationCreatingOffer
	NegotiationOfferSent
	NegotiationAnsweringOffer
)

func (n NegotiationState) String() string {
	switch n {
	case NegotiationIdle:
		return "idle"
	case NegotiationCreatingOffer:
		return "creating-offer"
	case NegotiationOfferSent:
		return "offer-sent"
	case NegotiationAnsweringOffer:
		return "answering-offer"
	default:
		return "unknown"
	}
}

// SignalingPhase mirrors the peer's signaling state, folding the
// provisional-answer states into their have-offer counterparts.
type SignalingPhase int

const (
	PhaseStable SignalingPhase = iota
	PhaseHaveLocalOffer
	PhaseHaveRemoteOffer
	PhaseClosed
)

func (p SignalingPhase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func phaseOf(s webrtc.SignalingState) SignalingPhase {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return PhaseHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return PhaseHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return PhaseClosed
	default:
		return PhaseStable
	}
}

// Status is a snapshot of the coordinator, published by the actor after
// every event it handles.
type Status struct {
	Lifecycle            Lifecycle
	Negotiation          NegotiationState
	Phase                SignalingPhase
	PendingCandidates    int
	HasRemoteDescription bool
	ReconnectAttempts    int
	Generation           uint64
	Epoch                string
	RemoteParticipantID  string
}
