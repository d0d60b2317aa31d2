package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of a track received from the peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, error)
}

// RemoteStream is composed from remote tracks as they arrive. Consumers
// only read it; the coordinator adds tracks.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

// AddTrack appends t, replacing a previous track with the same id. It
// reports whether the track was new.
func (s *RemoteStream) AddTrack(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing.ID() == t.ID() {
			s.tracks[i] = t
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

// Tracks returns a copy of the tracks in arrival order.
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// Track returns the first track of kind, or nil.
func (s *RemoteStream) Track(kind webrtc.RTPCodecType) RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *RemoteStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
