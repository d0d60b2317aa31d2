// Package metrics is a small in-process counter registry exported in the
// Prometheus text format.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Relay server events.
const (
	ConnectionsAccepted    = "connections_accepted"
	ConnectionsRejected    = "connections_rejected"
	AuthFailures           = "auth_failures"
	OriginRejected         = "origin_rejected"
	FramesIn               = "frames_in"
	FramesOut              = "frames_out"
	FramesMalformed        = "frames_malformed"
	PublishForbidden       = "publish_forbidden"
	SubscribeForbidden     = "subscribe_forbidden"
	DropReasonRateLimited  = "drop_rate_limited"
	DropReasonSendQueue    = "drop_send_queue_full"
	TURNCredentialsIssued  = "turn_credentials_issued"
	RelayPublishFailures   = "relay_publish_failures"
	RelaySubscribeFailures = "relay_subscribe_failures"
	// RelayQueueDrops counts envelopes a broker dropped because a
	// subscriber's delivery queue was full.
	RelayQueueDrops = "relay_queue_drops"
)

// Coordinator events.
const (
	OffersSent          = "offers_sent"
	AnswersSent         = "answers_sent"
	OfferCollisions     = "offer_collisions"
	OffersIgnored       = "offers_ignored"
	StaleAnswers        = "stale_answers"
	CandidatesQueued    = "candidates_queued"
	CandidateFailures   = "candidate_failures"
	ICERestarts         = "ice_restarts"
	Reconnects          = "reconnects"
	RemoteRestarts      = "remote_restarts"
	TerminalFailures    = "terminal_failures"
	EnvelopesFiltered   = "envelopes_filtered"
	EnvelopesMalformed  = "envelopes_malformed"
	RemoteTracksArrived = "remote_tracks"
	JoinsRepeated       = "joins_repeated"
	OfferTimeouts       = "offer_timeouts"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// everything, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	gaugesMu sync.Mutex
	gauges   map[string]*atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]*atomic.Int64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Gauge returns the named gauge, creating it on first use.
func (m *Metrics) Gauge(name string) *atomic.Int64 {
	if m == nil {
		return new(atomic.Int64)
	}
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	g, ok := m.gauges[name]
	if !ok {
		g = new(atomic.Int64)
		m.gauges[name] = g
	}
	return g
}

func (m *Metrics) gaugeSnapshot() map[string]int64 {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	out := make(map[string]int64, len(m.gauges))
	for k, g := range m.gauges {
		out[k] = g.Load()
	}
	return out
}
