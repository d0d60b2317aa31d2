package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

const (
	DefaultDisconnectGrace      = 3 * time.Second
	DefaultICERestartTimeout    = 5 * time.Second
	DefaultReconnectBackoff     = 1 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultAnnounceInterval     = 2 * time.Second
	DefaultOfferTimeout         = 5 * time.Second

	publishTimeout = 5 * time.Second
	// maxOfferRetries is how many times an unanswered offer is rolled back
	// and re-sent before the peer is rebuilt.
	maxOfferRetries = 1
)

var (
	// ErrMediaAttach is returned by Start when a local track cannot be added
	// to the peer.
	ErrMediaAttach    = errors.New("negotiation: media attach failed")
	ErrAlreadyStarted = errors.New("negotiation: coordinator already started")
	ErrStopped        = errors.New("negotiation: coordinator stopped")
)

// Identity is the local participant of one call. It does not change for the
// coordinator's lifetime.
type Identity struct {
	CallID        string
	ParticipantID string
	Role          protocol.Role
}

func (id Identity) validate() error {
	if err := protocol.ValidateTopic(id.CallID); err != nil {
		return fmt.Errorf("call id: %w", err)
	}
	if id.ParticipantID == "" || id.ParticipantID == protocol.Broadcast {
		return fmt.Errorf("invalid participant id %q", id.ParticipantID)
	}
	if !id.Role.Valid() {
		return fmt.Errorf("invalid role %q", id.Role)
	}
	return nil
}

// DefaultPolite is the interview convention: the responder (candidate) is
// polite, the initiator (interviewer) impolite.
func DefaultPolite(role protocol.Role) bool {
	return role == protocol.RoleResponder
}

type Config struct {
	Identity Identity
	// Polite selects the collision behaviour. Exactly one side of a call must
	// be polite; see DefaultPolite.
	Polite     bool
	ICEServers []webrtc.ICEServer

	// Zero durations use the defaults.
	DisconnectGrace   time.Duration
	ICERestartTimeout time.Duration
	// ReconnectBackoff is multiplied by the attempt number.
	ReconnectBackoff time.Duration
	// MaxReconnectAttempts of zero uses the default; negative disables
	// reconnecting.
	MaxReconnectAttempts int
	// AnnounceInterval repeats the broadcast join until an offer/answer
	// exchange starts, covering joins lost by the relay.
	AnnounceInterval time.Duration
	// OfferTimeout bounds how long an offer may stay unanswered.
	OfferTimeout time.Duration

	// OnLocalStream is called once when local media is attached.
	OnLocalStream func(LocalStream)
	// OnRemoteStream is called whenever the remote stream gains a track, and
	// with nil on terminal failure or Stop.
	OnRemoteStream func(*media.RemoteStream)
	// OnLifecycle is called on every lifecycle transition.
	OnLifecycle func(Lifecycle)

	Metrics *metrics.Metrics
	// Clock schedules the grace, restart and backoff timers.
	Clock Clock
}

func (c Config) withDefaults() Config {
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.ICERestartTimeout <= 0 {
		c.ICERestartTimeout = DefaultICERestartTimeout
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = DefaultOfferTimeout
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	return c
}

// Clock abstracts timers so tests can drive them.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
