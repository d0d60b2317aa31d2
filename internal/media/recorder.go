package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var ErrUnsupportedCodec = errors.New("media: unsupported codec for recording")

// Recorder writes remote tracks to disk: VP8 as IVF, Opus as Ogg. Each track
// gets its own file named after its stream and track ids.
type Recorder struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]bool
	wg    sync.WaitGroup
}

func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create record dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:   dir,
		log:   logger.With("component", "recorder"),
		files: make(map[string]bool),
	}, nil
}

// Start records t in the background until the track ends.
func (r *Recorder) Start(t RemoteTrack) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		path, err := r.Record(t)
		if err != nil {
			r.log.Warn("recording failed", "track_id", t.ID(), "err", err)
			return
		}
		r.log.Info("recording finished", "track_id", t.ID(), "path", path)
	}()
}

// Wait blocks until every recording started with Start has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Record blocks until t ends and returns the written file.
func (r *Recorder) Record(t RemoteTrack) (string, error) {
	ext, open, err := writerFor(t.Codec())
	if err != nil {
		return "", err
	}
	path := r.reservePath(t, ext)
	w, err := open(path)
	if err != nil {
		return "", fmt.Errorf("media: open %s: %w", path, err)
	}
	if err := copyRTP(t, w); err != nil {
		return path, err
	}
	return path, nil
}

func (r *Recorder) reservePath(t RemoteTrack, ext string) string {
	base := sanitizeName(t.StreamID()) + "-" + sanitizeName(t.ID())
	r.mu.Lock()
	defer r.mu.Unlock()
	name := base + ext
	for i := 1; r.files[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	r.files[name] = true
	return filepath.Join(r.dir, name)
}

func writerFor(codec webrtc.RTPCodecParameters) (string, func(string) (pionmedia.Writer, error), error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return ".ivf", func(path string) (pionmedia.Writer, error) {
			return ivfwriter.New(path)
		}, nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		return ".ogg", func(path string) (pionmedia.Writer, error) {
			return oggwriter.New(path, opusSampleRate, channels)
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
}

// copyRTP drains t into w and closes w. io.EOF from the track is the normal
// end of a recording.
func copyRTP(t RemoteTrack, w pionmedia.Writer) error {
	defer w.Close()
	for {
		pkt, err := t.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("media: read rtp: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return fmt.Errorf("media: write rtp: %w", err)
		}
	}
}

func sanitizeName(s string) string {
	if s == "" {
		return "track"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
