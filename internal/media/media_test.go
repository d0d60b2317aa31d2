package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func TestLocalStream_TracksAndToggles(t *testing.T) {
	t.Parallel()

	s, err := NewLocalStream("alice", VideoVP8, AudioOpus)
	if err != nil {
		t.Fatalf("NewLocalStream: %v", err)
	}
	tracks := s.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("tracks=%d, want 2", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeVideo || tracks[0].ID() != "video" || tracks[0].StreamID() != "alice" {
		t.Fatalf("video track=%s/%s/%s", tracks[0].Kind(), tracks[0].ID(), tracks[0].StreamID())
	}

	if !s.SetEnabled(webrtc.RTPCodecTypeAudio, false) {
		t.Fatalf("SetEnabled(audio) reported no track")
	}
	if s.Track(webrtc.RTPCodecTypeAudio).Enabled() {
		t.Fatalf("audio still enabled")
	}
	if !s.Track(webrtc.RTPCodecTypeVideo).Enabled() {
		t.Fatalf("video disabled by audio toggle")
	}

	videoOnly, err := NewLocalStream("bob", VideoVP8)
	if err != nil {
		t.Fatalf("NewLocalStream: %v", err)
	}
	if videoOnly.SetEnabled(webrtc.RTPCodecTypeAudio, true) {
		t.Fatalf("SetEnabled(audio) on video-only stream reported a track")
	}
}

func TestLocalStream_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := NewLocalStream("", VideoVP8); err == nil {
		t.Fatalf("expected error for empty stream id")
	}
	if _, err := NewLocalStream("s", VideoVP8, VideoVP8); err == nil {
		t.Fatalf("expected error for duplicate kind")
	}
	if _, err := NewLocalStream("s", webrtc.RTPCodecCapability{MimeType: "application/x"}); err == nil {
		t.Fatalf("expected error for unsupported codec")
	}
}

func TestLocalStream_StopOnce(t *testing.T) {
	t.Parallel()

	s, err := NewLocalStream("alice", VideoVP8)
	if err != nil {
		t.Fatalf("NewLocalStream: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()

	if got := s.StopCount(); got != 1 {
		t.Fatalf("StopCount=%d, want 1", got)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	err = s.Track(webrtc.RTPCodecTypeVideo).WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: time.Millisecond})
	if !errors.Is(err, ErrStreamStopped) {
		t.Fatalf("WriteSample after Stop err=%v, want ErrStreamStopped", err)
	}
}

// ivfFile builds a minimal IVF stream with the given timebase and frames.
func ivfFile(den, num uint32, frames ...[]byte) []byte {
	var b bytes.Buffer
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], 640)
	binary.LittleEndian.PutUint16(header[14:16], 480)
	binary.LittleEndian.PutUint32(header[16:20], den)
	binary.LittleEndian.PutUint32(header[20:24], num)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(frames)))
	b.Write(header)
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		b.Write(fh)
		b.Write(f)
	}
	return b.Bytes()
}

type sampleSink struct {
	mu      sync.Mutex
	samples []pionmedia.Sample
	onWrite func(n int)
}

func (s *sampleSink) WriteSample(sample pionmedia.Sample) error {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	n := len(s.samples)
	s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite(n)
	}
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFileSource_IVF(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "clip.ivf", ivfFile(30, 1, []byte{0xa}, []byte{0xb, 0xb}, []byte{0xc}))
	sink := &sampleSink{}
	src := &FileSource{Path: path, Sink: sink, sleep: noSleep}
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.samples) != 3 {
		t.Fatalf("samples=%d, want 3", len(sink.samples))
	}
	if !bytes.Equal(sink.samples[1].Data, []byte{0xb, 0xb}) {
		t.Fatalf("sample[1]=%x", sink.samples[1].Data)
	}
	if want := time.Second / 30; sink.samples[0].Duration != want {
		t.Fatalf("duration=%v, want %v", sink.samples[0].Duration, want)
	}
}

func TestFileSource_LoopsUntilCancelled(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "clip.ivf", ivfFile(30, 1, []byte{1}, []byte{2}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &sampleSink{onWrite: func(n int) {
		if n == 5 {
			cancel()
		}
	}}
	src := &FileSource{Path: path, Sink: sink, Loop: true, sleep: noSleep}
	if err := src.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.samples) != 5 {
		t.Fatalf("samples=%d, want 5", len(sink.samples))
	}
	if sink.samples[2].Data[0] != 1 {
		t.Fatalf("third sample=%x, want the file restarted", sink.samples[2].Data)
	}
}

func TestFileSource_StopsWithStream(t *testing.T) {
	t.Parallel()

	s, err := NewLocalStream("alice", VideoVP8)
	if err != nil {
		t.Fatalf("NewLocalStream: %v", err)
	}
	s.Stop()
	path := writeTemp(t, "clip.ivf", ivfFile(30, 1, []byte{1}))
	src := &FileSource{Path: path, Sink: s.Track(webrtc.RTPCodecTypeVideo), Loop: true, sleep: noSleep}

	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("source kept running after stream stop")
	}
}

func TestFileKind(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]webrtc.RTPCodecType{
		"a.ivf":  webrtc.RTPCodecTypeVideo,
		"b.OGG":  webrtc.RTPCodecTypeAudio,
		"c.opus": webrtc.RTPCodecTypeAudio,
	} {
		got, err := FileKind(path)
		if err != nil || got != want {
			t.Fatalf("FileKind(%q)=%v, %v; want %v", path, got, err, want)
		}
	}
	if _, err := FileKind("d.mp4"); err == nil {
		t.Fatalf("expected error for .mp4")
	}
}

type fakeRemoteTrack struct {
	id, streamID string
	codec        webrtc.RTPCodecParameters
	packets      []*rtp.Packet
}

func (f *fakeRemoteTrack) ID() string                       { return f.id }
func (f *fakeRemoteTrack) StreamID() string                 { return f.streamID }
func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters { return f.codec }

func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType {
	return kindOf(f.codec.RTPCodecCapability)
}

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	if len(f.packets) == 0 {
		return nil, io.EOF
	}
	p := f.packets[0]
	f.packets = f.packets[1:]
	return p, nil
}

func opusPacket(seq uint16, payload ...byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: 1},
		Payload: payload,
	}
}

func TestCopyRTP_Ogg(t *testing.T) {
	t.Parallel()

	track := &fakeRemoteTrack{
		id:    "audio",
		codec: webrtc.RTPCodecParameters{RTPCodecCapability: AudioOpus},
		packets: []*rtp.Packet{
			opusPacket(1, 0x01, 0x02),
			opusPacket(2, 0x03),
			opusPacket(3, 0x04, 0x05, 0x06),
		},
	}
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusSampleRate, 2)
	if err != nil {
		t.Fatalf("oggwriter.NewWith: %v", err)
	}
	if err := copyRTP(track, w); err != nil {
		t.Fatalf("copyRTP: %v", err)
	}

	reader, header, err := oggreader.NewWith(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("oggreader.NewWith: %v", err)
	}
	if header.Channels != 2 || header.SampleRate != opusSampleRate {
		t.Fatalf("header=%+v", header)
	}
	var pages [][]byte
	for {
		page, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ParseNextPage: %v", err)
		}
		pages = append(pages, page)
	}
	if len(pages) < 3 {
		t.Fatalf("pages=%d, want at least 3", len(pages))
	}
	last := pages[len(pages)-3:]
	for i, want := range [][]byte{{0x01, 0x02}, {0x03}, {0x04, 0x05, 0x06}} {
		if !bytes.Equal(last[i], want) {
			t.Fatalf("page %d=%x, want %x", i, last[i], want)
		}
	}
}

func TestRecorder_WritesPerTrackFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := NewRecorder(dir, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	video := &fakeRemoteTrack{id: "video", streamID: "bob", codec: webrtc.RTPCodecParameters{RTPCodecCapability: VideoVP8}}

	path, err := rec.Record(video)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if filepath.Base(path) != "bob-video.ivf" {
		t.Fatalf("path=%s, want bob-video.ivf", path)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, _, err := ivfreader.NewWith(f); err != nil {
		t.Fatalf("recorded file has no ivf header: %v", err)
	}

	again := &fakeRemoteTrack{id: "video", streamID: "bob", codec: webrtc.RTPCodecParameters{RTPCodecCapability: VideoVP8}}
	path2, err := rec.Record(again)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if filepath.Base(path2) != "bob-video-1.ivf" {
		t.Fatalf("second path=%s, want bob-video-1.ivf", path2)
	}

	h264 := &fakeRemoteTrack{id: "v", codec: webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}}}
	if _, err := rec.Record(h264); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("err=%v, want ErrUnsupportedCodec", err)
	}
}

func TestRemoteStream_AddTrack(t *testing.T) {
	t.Parallel()

	s := NewRemoteStream("bob")
	video := &fakeRemoteTrack{id: "video", codec: webrtc.RTPCodecParameters{RTPCodecCapability: VideoVP8}}
	audio := &fakeRemoteTrack{id: "audio", codec: webrtc.RTPCodecParameters{RTPCodecCapability: AudioOpus}}

	if !s.AddTrack(video) || !s.AddTrack(audio) {
		t.Fatalf("AddTrack reported duplicate for new tracks")
	}
	if s.AddTrack(&fakeRemoteTrack{id: "video", codec: video.codec}) {
		t.Fatalf("AddTrack reported a replaced track as new")
	}
	if s.Len() != 2 {
		t.Fatalf("Len=%d, want 2", s.Len())
	}
	if s.Track(webrtc.RTPCodecTypeAudio) != audio {
		t.Fatalf("Track(audio) mismatch")
	}
}
