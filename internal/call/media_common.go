package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer always produces valid m-lines with ICE credentials, even when
// no local track was attached.
func addRecvOnlyTransceivers(log zerolog.Logger, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn().Err(err).Str("kind", kind.String()).Msg("add recvonly transceiver failed")
		}
	}
}
