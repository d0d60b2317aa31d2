package relay

import (
	"context"

	"github.com/intervue/interview-rtc/internal/protocol"
)

// Handler consumes envelopes delivered on a topic. Handlers for one
// subscription are called sequentially in delivery order.
type Handler func(protocol.Envelope)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	ID() string
	Topic() string
}

// Relay is the signaling transport consumed by the negotiation coordinator.
type Relay interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	// Unsubscribe stops delivery for sub. Unsubscribing twice returns
	// ErrUnknownSubscription.
	Unsubscribe(sub Subscription) error
}

type subscription struct {
	id    string
	topic string
}

func (s subscription) ID() string    { return s.id }
func (s subscription) Topic() string { return s.topic }
