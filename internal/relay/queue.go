package relay

import (
	"sync"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/protocol"
)

// DefaultQueueLength bounds how many undelivered envelopes a subscription may
// hold before new ones are dropped.
const DefaultQueueLength = 256

// deliveryQueue is a bounded FIFO between a publisher and one subscriber's
// handler. Enqueue never blocks, so a slow subscriber only loses its own
// envelopes.
type deliveryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	max  int
	envs []protocol.Envelope

	// m receives RelayQueueDrops; nil discards.
	m *metrics.Metrics
}

func newDeliveryQueue(max int, m *metrics.Metrics) *deliveryQueue {
	if max <= 0 {
		max = DefaultQueueLength
	}
	q := &deliveryQueue{max: max, m: m}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *deliveryQueue) Enqueue(env protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.envs) >= q.max {
		q.m.Inc(metrics.RelayQueueDrops)
		return false
	}
	q.envs = append(q.envs, env)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an envelope is available or the queue is closed.
// Envelopes still queued at Close are discarded.
func (q *deliveryQueue) Dequeue() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.envs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return protocol.Envelope{}, false
	}
	env := q.envs[0]
	q.envs[0] = protocol.Envelope{}
	q.envs = q.envs[1:]
	return env, true
}

func (q *deliveryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.envs = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// pump runs h for every dequeued envelope until the queue closes.
func (q *deliveryQueue) pump(h Handler) {
	for {
		env, ok := q.Dequeue()
		if !ok {
			return
		}
		h(env)
	}
}
