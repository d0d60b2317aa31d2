package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/protocol"
)

type timerKind int

const (
	timerGrace timerKind = iota
	timerICERestart
	timerBackoff
	timerAnnounce
	timerOffer
)

func (k timerKind) String() string {
	switch k {
	case timerGrace:
		return "disconnect_grace"
	case timerICERestart:
		return "ice_restart"
	case timerAnnounce:
		return "announce"
	case timerOffer:
		return "offer"
	default:
		return "reconnect_backoff"
	}
}

// Events processed by the actor. Peer events carry the generation of the
// peer that produced them; events from an older peer are dropped.
type (
	evAnnounce struct{}

	evEnvelope struct {
		env protocol.Envelope
	}

	evNegotiationNeeded struct {
		gen uint64
	}

	evLocalCandidate struct {
		gen  uint64
		init webrtc.ICECandidateInit
	}

	evSignalingState struct {
		gen   uint64
		state webrtc.SignalingState
	}

	evICEState struct {
		gen   uint64
		state webrtc.ICEConnectionState
	}

	evConnState struct {
		gen   uint64
		state webrtc.PeerConnectionState
	}

	evTrack struct {
		gen   uint64
		track media.RemoteTrack
	}

	evTimer struct {
		kind timerKind
		seq  uint64
	}
)

// mailbox is an unbounded FIFO. Producers never block, so peer callbacks
// and relay handlers cannot stall on a busy actor and nothing is dropped.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev any) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	ev := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return ev, true
}

// notifier runs caller callbacks in order on its own goroutine, so a
// callback may call Stop without deadlocking the actor.
type notifier struct {
	box  *mailbox
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{box: newMailbox(), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) notify(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.box.push(f)
}

// close lets queued callbacks finish, then ends the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		n.box.push(nil)
	}
	n.mu.Unlock()
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.box.signal {
		for {
			ev, ok := n.box.pop()
			if !ok {
				break
			}
			f, _ := ev.(func())
			if f == nil {
				return
			}
			f()
		}
	}
}
