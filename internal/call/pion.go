package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/config"
)

// NewPionFactory returns a PeerFactory building pion PeerConnections with the
// configured STUN servers and ICE timeouts. There is no TURN fallback.
func NewPionFactory(ice config.ICE, src MediaSource) PeerFactory {
	return func(h PeerHandlers) (Peer, error) {
		return newPionPeer(ice, src, h)
	}
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*localSender
}

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

func newPionPeer(ice config.ICE, src MediaSource, h PeerHandlers) (*pionPeer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := src.RegisterCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		seconds(ice.DisconnectedTimeoutSec),
		seconds(ice.FailedTimeoutSec),
		seconds(ice.KeepAliveIntervalSec),
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(ice.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: ice.STUNServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &pionPeer{
		pc:      pc,
		log:     log.With().Str("component", "call").Logger(),
		senders: make(map[webrtc.RTPCodecType]*localSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(t, r)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange != nil {
			h.OnStateChange("connection", s.String())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if h.OnStateChange != nil {
			h.OnStateChange("ice", s.String())
		}
	})
	return p, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (p *pionPeer) AddLocalStream(ls *LocalStream) error {
	for _, t := range ls.Tracks() {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		p.mu.Lock()
		p.senders[t.Kind()] = &localSender{sender: sender, track: t}
		p.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, TWCC) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.mu.Lock()
	noTracks := len(p.senders) == 0
	p.mu.Unlock()
	if noTracks {
		addRecvOnlyTransceivers(p.log, p.pc)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// SetTrackEnabled mutes a kind by detaching its track from the sender while
// keeping the m-line negotiated.
func (p *pionPeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	ls, ok := p.senders[kind]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if enabled {
		return ls.sender.ReplaceTrack(ls.track)
	}
	return ls.sender.ReplaceTrack(nil)
}

func (p *pionPeer) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
