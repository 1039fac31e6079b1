//go:build mediadevices && linux

package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// deviceSource captures camera and microphone via pion/mediadevices
// (V4L2 + malgo). Building it needs cgo and libvpx/libopus.
type deviceSource struct {
	codecs *mediadevices.CodecSelector
}

func newDeviceSource() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &deviceSource{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *deviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.codecs.Populate(me)
	return nil
}

// Capture opens camera and microphone together. Unlike a receive-only
// fallback, a missing device fails the attempt.
func (d *deviceSource) Capture(ctx context.Context, conversationID string) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := log.With().Str("component", "call").Str("conversation", conversationID).Logger()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrMediaUnavailable)
	}
	for _, dev := range devices {
		l.Debug().Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("media device")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.codecs,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce malformed frames that break
			// the VP8 encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	tracks := stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	var hasAudio, hasVideo bool
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				l.Warn().Err(err).Msg("local track ended")
			}
		})
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
		}
		locals = append(locals, t)
	}
	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	if !hasAudio || !hasVideo {
		stop()
		return nil, fmt.Errorf("%w: need both audio and video (audio=%v video=%v)", ErrMediaUnavailable, hasAudio, hasVideo)
	}

	l.Info().Int("tracks", len(tracks)).Msg("local media captured")
	return newLocalStream("bookingcall-"+uuid.NewString(), locals, stop), nil
}
