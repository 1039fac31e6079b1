package call

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// pliInterval is how often a keyframe is requested while recording video.
const pliInterval = 3 * time.Second

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// recordTrack writes a remote track below dir until the track ends: VP8 as
// IVF, Opus as Ogg. Other codecs are skipped.
func recordTrack(dir, conversationID string, track *webrtc.TrackRemote, pc Peer, log zerolog.Logger) {
	mime := strings.ToLower(track.Codec().MimeType)
	base := filepath.Join(dir, conversationID, fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102T150405"), track.SSRC()))

	w, err := openWriter(base, mime)
	if err != nil {
		log.Warn().Err(err).Str("codec", mime).Msg("recorder unavailable")
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	if mime == strings.ToLower(webrtc.MimeTypeVP8) {
		go requestKeyframes(pc, uint32(track.SSRC()), stop)
	}

	n, err := copyRTP(w, track)
	log.Info().Str("codec", mime).Int("packets", n).AnErr("reason", err).Msg("recording finished")
}

func openWriter(base, mime string) (media.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, err
	}
	switch mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		w, err := oggwriter.New(base+".ogg", 48000, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("no recorder for %s", mime)
}

// copyRTP moves packets from r to w until either fails, then closes w.
func copyRTP(w media.Writer, r rtpReader) (int, error) {
	defer func() { _ = w.Close() }()
	n := 0
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			return n, err
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, err
		}
		n++
	}
}

func requestKeyframes(pc Peer, ssrc uint32, stop <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}
