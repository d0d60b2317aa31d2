// Package protocol defines the signal envelope exchanged between call
// participants and the frames used to carry envelopes over the relay
// websocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Broadcast is the recipient id meaning "every subscriber of the call topic".
// Consumers filter broadcast envelopes by role.
const Broadcast = "*"

type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindJoin         Kind = "join"
)

func (k Kind) valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindJoin:
		return true
	default:
		return false
	}
}

// Role is the fixed per-call role of a participant. Exactly one participant
// holds each role.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ParseRole accepts the protocol role names as well as the interview domain
// names ("interviewer" is the initiator, "candidate" the responder).
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleInitiator), "interviewer":
		return RoleInitiator, nil
	case string(RoleResponder), "candidate":
		return RoleResponder, nil
	default:
		return "", fmt.Errorf("invalid role %q (expected initiator/interviewer or responder/candidate)", raw)
	}
}

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Opposite returns the role of the other participant.
func (r Role) Opposite() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the unit of exchange over the relay. Envelopes are transient:
// the relay fans them out to current subscribers and never stores them.
type Envelope struct {
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	SenderRole  Role            `json:"senderRole"`
}

// AddressedTo reports whether participantID should consume e.
func (e Envelope) AddressedTo(participantID string) bool {
	return e.RecipientID == Broadcast || e.RecipientID == participantID
}

func (e Envelope) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEnvelope, e.Kind)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing senderId", ErrInvalidEnvelope)
	}
	if e.RecipientID == "" {
		return fmt.Errorf("%w: missing recipientId", ErrInvalidEnvelope)
	}
	if !e.SenderRole.Valid() {
		return fmt.Errorf("%w: invalid senderRole %q", ErrInvalidEnvelope, e.SenderRole)
	}
	if len(e.Payload) == 0 && e.Kind != KindJoin {
		return fmt.Errorf("%w: %s envelope missing payload", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// ParseEnvelope decodes and validates a single JSON envelope. Unknown fields
// and trailing data are rejected. The payload is checked lazily by the typed
// accessors.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
