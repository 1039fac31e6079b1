package call

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Peer is one underlying peer-to-peer media connection. The pion
// implementation lives in pion.go; tests substitute a fake.
type Peer interface {
	AddLocalStream(ls *LocalStream) error
	// CreateOffer and CreateAnswer also apply the result as the local
	// description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PeerHandlers are the callbacks a Peer fires. Any may be nil.
type PeerHandlers struct {
	OnICECandidate func(c webrtc.ICECandidateInit)
	OnTrack        func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	OnStateChange  func(kind, state string)
}

// PeerFactory creates a Peer wired to h.
type PeerFactory func(h PeerHandlers) (Peer, error)

// peerManager lazily creates the single Peer of one call attempt. Repeated
// get calls return the same Peer; after close no new one is created.
type peerManager struct {
	factory  PeerFactory
	handlers PeerHandlers

	mu     sync.Mutex
	peer   Peer
	closed bool
}

func newPeerManager(factory PeerFactory, h PeerHandlers) *peerManager {
	return &peerManager{factory: factory, handlers: h}
}

func (pm *peerManager) get() (Peer, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil, ErrSessionClosed
	}
	if pm.peer != nil {
		return pm.peer, nil
	}
	p, err := pm.factory(pm.handlers)
	if err != nil {
		return nil, err
	}
	pm.peer = p
	return p, nil
}

// current returns the live Peer or nil if none was created yet.
func (pm *peerManager) current() Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.peer
}

func (pm *peerManager) close() {
	pm.mu.Lock()
	p := pm.peer
	pm.peer = nil
	pm.closed = true
	pm.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}
