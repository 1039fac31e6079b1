package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource captures the local audio+video stream for a call attempt.
// Both tracks are required; a source that cannot provide them returns an
// error wrapping ErrMediaUnavailable.
type MediaSource interface {
	// RegisterCodecs prepares a MediaEngine for the tracks this source
	// produces.
	RegisterCodecs(me *webrtc.MediaEngine) error
	Capture(ctx context.Context, conversationID string) (*LocalStream, error)
}

// NewMediaSource returns the source named by config media.source.
func NewMediaSource(kind string) (MediaSource, error) {
	switch kind {
	case "", "static":
		return staticSource{}, nil
	case "none":
		return noneSource{}, nil
	case "device":
		return newDeviceSource()
	}
	return nil, fmt.Errorf("unknown media source %q", kind)
}

// LocalStream is the capture owned by one call attempt. Stop releases it.
type LocalStream struct {
	ID     string
	tracks []webrtc.TrackLocal
	stopFn func()

	audioOn atomic.Bool
	videoOn atomic.Bool

	once sync.Once
	done chan struct{}
}

func newLocalStream(id string, tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	ls := &LocalStream{ID: id, tracks: tracks, stopFn: stop, done: make(chan struct{})}
	ls.audioOn.Store(true)
	ls.videoOn.Store(true)
	return ls
}

func (l *LocalStream) Tracks() []webrtc.TrackLocal { return l.tracks }

// Stop releases the capture. Idempotent.
func (l *LocalStream) Stop() {
	l.once.Do(func() {
		close(l.done)
		if l.stopFn != nil {
			l.stopFn()
		}
	})
}

func (l *LocalStream) Stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *LocalStream) AudioEnabled() bool { return l.audioOn.Load() }
func (l *LocalStream) VideoEnabled() bool { return l.videoOn.Load() }

// RemoteStream collects the tracks received from the other party. The session
// holds it but does not own the tracks; they end with the connection.
type RemoteStream struct {
	ID string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func newRemoteStream(id string) *RemoteStream { return &RemoteStream{ID: id} }

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// ── static source ────────────────────────────────────────────────────────────

// opusSilence is a single 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// staticSource produces an Opus track fed with silence and an idle VP8 track.
// It lets headless clients negotiate real audio+video m-lines without devices.
type staticSource struct{}

func (staticSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (staticSource) Capture(ctx context.Context, _ string) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "bookingcall-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", ErrMediaUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %v", ErrMediaUnavailable, err)
	}

	ls := newLocalStream(streamID, []webrtc.TrackLocal{audio, video}, nil)
	go pumpSilence(ls, audio)
	return ls, nil
}

func pumpSilence(ls *LocalStream, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ls.done:
			return
		case <-ticker.C:
			if !ls.AudioEnabled() {
				continue
			}
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
				return
			}
		}
	}
}

// noneSource never has media; every call fails at capture.
type noneSource struct{}

func (noneSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (noneSource) Capture(context.Context, string) (*LocalStream, error) {
	return nil, fmt.Errorf("%w: media source disabled", ErrMediaUnavailable)
}
