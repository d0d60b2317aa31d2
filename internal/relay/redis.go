package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

// DefaultRedisChannelPrefix namespaces call topics on a shared Redis.
const DefaultRedisChannelPrefix = "interview-rtc:call:"

// RedisBroker is a Relay backed by Redis pub/sub. Redis pub/sub is fire and
// forget, which matches the relay's delivery contract.
type RedisBroker struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
	m      *metrics.Metrics

	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscriber
}

type redisSubscriber struct {
	sub    subscription
	pubsub *redis.PubSub
	queue  *deliveryQueue
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL           string
	ChannelPrefix string
	Logger        *slog.Logger
	// Metrics counts envelopes dropped on full subscriber queues.
	Metrics *metrics.Metrics
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisBroker(client, cfg), nil
}

// NewRedisBroker wraps an existing client; cfg.URL is ignored.
func NewRedisBroker(client *redis.Client, cfg RedisConfig) *RedisBroker {
	prefix, logger := cfg.ChannelPrefix, cfg.Logger
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		log:    logger.With("component", "relay_redis"),
		m:      cfg.Metrics,
		subs:   make(map[string]*redisSubscriber),
	}
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if err := protocol.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", topic)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	// Wait for the subscription confirmation so a publish issued right after
	// Subscribe returns is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	s := &redisSubscriber{
		sub:    subscription{id: uuid.NewString(), topic: topic},
		pubsub: pubsub,
		queue:  newDeliveryQueue(DefaultQueueLength, b.m),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[s.sub.id] = s
	b.mu.Unlock()

	go b.receive(s)
	go s.queue.pump(h)
	return s.sub, nil
}

func (b *RedisBroker) receive(s *redisSubscriber) {
	for msg := range s.pubsub.Channel() {
		env, err := protocol.ParseEnvelope([]byte(msg.Payload))
		if err != nil {
			b.log.Debug("dropping malformed envelope", "topic", s.sub.topic, "err", err)
			continue
		}
		if !s.queue.Enqueue(env) {
			b.log.Debug("subscriber queue full; dropping envelope", "topic", s.sub.topic, "kind", env.Kind)
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	if err := protocol.ValidateTopic(topic); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	b.mu.Lock()
	s, ok := b.subs[sub.ID()]
	delete(b.subs, sub.ID())
	b.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	s.queue.Close()
	return s.pubsub.Close()
}

// Close unsubscribes everything and closes the Redis client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
		_ = s.pubsub.Close()
	}
	return b.client.Close()
}
