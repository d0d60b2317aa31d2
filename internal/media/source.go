package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusSampleRate       = 48000
	defaultFrameDuration = 20 * time.Millisecond
)

// SampleWriter is the sink a FileSource feeds; *Track implements it.
type SampleWriter interface {
	WriteSample(pionmedia.Sample) error
}

// FileSource streams a pre-encoded file into a track, paced by the file's
// timing: IVF frames by the stream timebase, Ogg pages by granule position.
type FileSource struct {
	Path string
	Sink SampleWriter
	// Loop restarts the file at EOF instead of returning.
	Loop   bool
	Logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// FileKind reports which track kind a media file feeds, by extension.
func FileKind(path string) (webrtc.RTPCodecType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		return webrtc.RTPCodecTypeVideo, nil
	case ".ogg", ".opus":
		return webrtc.RTPCodecTypeAudio, nil
	default:
		return 0, fmt.Errorf("media: unsupported file %q (expected .ivf or .ogg)", path)
	}
}

// Run pumps samples until ctx is done, the sink's stream stops, or the file
// ends without Loop.
func (s *FileSource) Run(ctx context.Context) error {
	kind, err := FileKind(s.Path)
	if err != nil {
		return err
	}
	if s.Sink == nil {
		return errors.New("media: file source has no sink")
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "media_source", "path", s.Path)

	for {
		f, err := os.Open(s.Path)
		if err != nil {
			return fmt.Errorf("media: open %s: %w", s.Path, err)
		}
		switch kind {
		case webrtc.RTPCodecTypeVideo:
			err = s.pumpIVF(ctx, f)
		default:
			err = s.pumpOgg(ctx, f)
		}
		_ = f.Close()

		switch {
		case errors.Is(err, ErrStreamStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			return err
		case !s.Loop:
			log.Debug("media file finished")
			return nil
		}
		log.Debug("media file looping")
	}
}

func (s *FileSource) pumpIVF(ctx context.Context, r io.Reader) error {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("media: read ivf header: %w", err)
	}
	frameDuration := defaultFrameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("media: read ivf frame: %w", err)
		}
		if err := s.Sink.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
		if err := s.wait(ctx, frameDuration); err != nil {
			return err
		}
	}
}

func (s *FileSource) pumpOgg(ctx context.Context, r io.Reader) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("media: read ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("media: read ogg page: %w", err)
		}
		// Header pages (OpusTags) carry granule 0 and no audio.
		if header.GranulePosition == 0 {
			continue
		}
		duration := defaultFrameDuration
		if header.GranulePosition > lastGranule && lastGranule > 0 {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples) * time.Second / opusSampleRate
		}
		lastGranule = header.GranulePosition

		if err := s.Sink.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
		if err := s.wait(ctx, duration); err != nil {
			return err
		}
	}
}

func (s *FileSource) wait(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
