package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

// MemoryBroker is an in-process Relay. Every subscriber of a topic, including
// the publisher's own subscriptions, receives each published envelope.
type MemoryBroker struct {
	queueLength int
	m           *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*memorySubscriber
}

type memorySubscriber struct {
	sub   subscription
	queue *deliveryQueue
	done  chan struct{}
}

type MemoryOption func(*MemoryBroker)

// WithQueueLength sets the per-subscription delivery queue bound.
func WithQueueLength(n int) MemoryOption {
	return func(b *MemoryBroker) { b.queueLength = n }
}

// WithMetrics counts envelopes dropped on full subscriber queues.
func WithMetrics(m *metrics.Metrics) MemoryOption {
	return func(b *MemoryBroker) { b.m = m }
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queueLength: DefaultQueueLength,
		topics:      make(map[string]map[string]*memorySubscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if err := protocol.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", topic)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &memorySubscriber{
		sub:   subscription{id: uuid.NewString(), topic: topic},
		queue: newDeliveryQueue(b.queueLength, b.m),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]*memorySubscriber)
		b.topics[topic] = subs
	}
	subs[s.sub.id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		s.queue.pump(h)
	}()
	return s.sub, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	if err := protocol.ValidateTopic(topic); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.topics[topic] {
		// A full queue drops and counts the envelope: delivery is best effort.
		s.queue.Enqueue(env)
	}
	return nil
}

func (b *MemoryBroker) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	b.mu.Lock()
	subs := b.topics[sub.Topic()]
	s, ok := subs[sub.ID()]
	if ok {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(b.topics, sub.Topic())
		}
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	s.queue.Close()
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close removes every subscription. Further calls fail with ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.queue.Close()
		}
	}
	return nil
}
