// Package media holds the call's media endpoints: the local stream handed to
// the coordinator, file sources that feed it, the composed remote stream and
// a recorder for remote tracks. Encoding and capture are out of scope;
// sources read pre-encoded VP8 (IVF) and Opus (Ogg) files.
package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	VideoVP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	AudioOpus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

var ErrStreamStopped = errors.New("media stream stopped")

// Track is one local sample track. A disabled track keeps its RTP sender but
// stops emitting samples, the equivalent of a muted browser track.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	done    <-chan struct{}
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

func (t *Track) Codec() webrtc.RTPCodecCapability { return t.local.Codec() }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// WriteSample forwards s unless the track is disabled. Writing to a track
// of a stopped stream returns ErrStreamStopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	select {
	case <-t.done:
		return ErrStreamStopped
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// LocalStream groups the local tracks of one participant. Stop is
// idempotent and observable through Done.
type LocalStream struct {
	id     string
	tracks []*Track

	stopOnce sync.Once
	stops    atomic.Int32
	done     chan struct{}
}

// NewLocalStream creates one enabled track per capability. Track ids are
// the codec kind ("video", "audio"), so at most one track per kind.
func NewLocalStream(streamID string, caps ...webrtc.RTPCodecCapability) (*LocalStream, error) {
	if streamID == "" {
		return nil, errors.New("media: stream id is required")
	}
	s := &LocalStream{id: streamID, done: make(chan struct{})}
	seen := map[webrtc.RTPCodecType]bool{}
	for _, c := range caps {
		kind := kindOf(c)
		if kind == 0 {
			return nil, fmt.Errorf("media: unsupported codec %q", c.MimeType)
		}
		if seen[kind] {
			return nil, fmt.Errorf("media: duplicate %s track", kind)
		}
		seen[kind] = true
		local, err := webrtc.NewTrackLocalStaticSample(c, kind.String(), streamID)
		if err != nil {
			return nil, fmt.Errorf("media: new %s track: %w", c.MimeType, err)
		}
		t := &Track{local: local, done: s.done}
		t.enabled.Store(true)
		s.tracks = append(s.tracks, t)
	}
	return s, nil
}

func kindOf(c webrtc.RTPCodecCapability) webrtc.RTPCodecType {
	mime := strings.ToLower(c.MimeType)
	switch {
	case strings.HasPrefix(mime, "video/"):
		return webrtc.RTPCodecTypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return webrtc.RTPCodecTypeAudio
	default:
		return 0
	}
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns the tracks in creation order for attaching to a peer.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.local
	}
	return out
}

// Track returns the track of the given kind, or nil.
func (s *LocalStream) Track(kind webrtc.RTPCodecType) *Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SetEnabled toggles the track of kind and reports whether one exists.
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	t := s.Track(kind)
	if t == nil {
		return false
	}
	t.enabled.Store(enabled)
	return true
}

// Stop ends every track. Sources observe it through Done.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		s.stops.Add(1)
		for _, t := range s.tracks {
			t.enabled.Store(false)
		}
		close(s.done)
	})
}

func (s *LocalStream) Done() <-chan struct{} { return s.done }

// StopCount reports how many times the stream was actually stopped; it is
// never more than one.
func (s *LocalStream) StopCount() int { return int(s.stops.Load()) }
