package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty %s sdp", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Join announces presence on the call topic. Epoch identifies one peer
// connection generation of the sender; a new epoch means the sender rebuilt
// its connection.
type Join struct {
	Epoch string `json:"epoch"`
}

// Header carries the addressing fields shared by every outgoing envelope.
type Header struct {
	SenderID    string
	RecipientID string
	SenderRole  Role
}

func (h Header) envelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env := Envelope{
		Kind:        kind,
		Payload:     raw,
		SenderID:    h.SenderID,
		RecipientID: h.RecipientID,
		SenderRole:  h.SenderRole,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewDescription wraps an offer or answer. The envelope kind follows the
// description type.
func NewDescription(h Header, desc webrtc.SessionDescription) (Envelope, error) {
	var kind Kind
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		kind = KindOffer
	case webrtc.SDPTypeAnswer:
		kind = KindAnswer
	default:
		return Envelope{}, fmt.Errorf("%w: cannot send %s description", ErrInvalidEnvelope, desc.Type)
	}
	return h.envelope(kind, DescriptionFromPion(desc))
}

func NewCandidate(h Header, init webrtc.ICECandidateInit) (Envelope, error) {
	return h.envelope(KindICECandidate, CandidateFromPion(init))
}

func NewJoin(h Header, epoch string) (Envelope, error) {
	return h.envelope(KindJoin, Join{Epoch: epoch})
}

// Description decodes the payload of an offer or answer envelope. The sdp
// type must agree with the envelope kind.
func (e Envelope) Description() (webrtc.SessionDescription, error) {
	if e.Kind != KindOffer && e.Kind != KindAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s envelope has no description", ErrInvalidEnvelope, e.Kind)
	}
	var sd SessionDescription
	if err := decodeStrict(e.Payload, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, e.Kind, err)
	}
	if sd.Type != string(e.Kind) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s envelope has sdp.type=%q", ErrInvalidEnvelope, e.Kind, sd.Type)
	}
	desc, err := sd.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return desc, nil
}

func (e Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	if e.Kind != KindICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %s envelope has no candidate", ErrInvalidEnvelope, e.Kind)
	}
	var c Candidate
	if err := decodeStrict(e.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: candidate payload: %v", ErrInvalidEnvelope, err)
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: empty candidate", ErrInvalidEnvelope)
	}
	return c.ToPion(), nil
}

// Join decodes a join payload. A join without payload has an empty epoch.
func (e Envelope) Join() (Join, error) {
	if e.Kind != KindJoin {
		return Join{}, fmt.Errorf("%w: %s envelope is not a join", ErrInvalidEnvelope, e.Kind)
	}
	if len(e.Payload) == 0 {
		return Join{}, nil
	}
	var j Join
	if err := decodeStrict(e.Payload, &j); err != nil {
		return Join{}, fmt.Errorf("%w: join payload: %v", ErrInvalidEnvelope, err)
	}
	return j, nil
}
