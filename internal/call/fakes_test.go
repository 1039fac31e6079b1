package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/localserve/bookingcall/internal/signaling"
)

const convID = "b1"

type fakePeer struct {
	name string
	h    PeerHandlers

	mu         sync.Mutex
	local      *LocalStream
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	disabled   map[webrtc.RTPCodecType]bool
	closed     bool
}

func (p *fakePeer) AddLocalStream(ls *LocalStream) error {
	p.mu.Lock()
	p.local = ls
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if strings.HasPrefix(desc.SDP, "bad") {
		return errors.New("malformed sdp")
	}
	p.mu.Lock()
	p.remote = &desc
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled == nil {
		p.disabled = make(map[webrtc.RTPCodecType]bool)
	}
	p.disabled[kind] = !enabled
	return nil
}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type peerFactory struct {
	name string

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *peerFactory) New(h PeerHandlers) (Peer, error) {
	p := &fakePeer{name: f.name, h: h}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	streams []*LocalStream
}

func (m *fakeMedia) RegisterCodecs(*webrtc.MediaEngine) error { return nil }

func (m *fakeMedia) Capture(ctx context.Context, _ string) (*LocalStream, error) {
	m.mu.Lock()
	block, err := m.block, m.err
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	ls := newLocalStream("fake", nil, nil)
	m.mu.Lock()
	m.streams = append(m.streams, ls)
	m.mu.Unlock()
	return ls, nil
}

func (m *fakeMedia) lastStream() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// client is one signed-in user wired to a shared MemoryHub.
type client struct {
	id      string
	m       *Manager
	ep      *signaling.MemoryEndpoint
	peers   *peerFactory
	media   *fakeMedia
	events  chan Event
	notices <-chan *Notice

	mu        sync.Mutex
	summaries []CallSummary
}

func newClient(t *testing.T, hub *signaling.MemoryHub, id string, join bool) *client {
	t.Helper()
	c := &client{
		id:     id,
		ep:     hub.Connect(id),
		peers:  &peerFactory{name: id},
		media:  &fakeMedia{},
		events: make(chan Event, 64),
	}
	if join {
		c.join(t)
	}
	c.m = New(Options{
		UserID:   id,
		UserName: strings.ToUpper(id),
		Channel:  c.ep,
		Media:    c.media,
		NewPeer:  c.peers.New,
		OnCallEnded: func(s CallSummary) {
			c.mu.Lock()
			c.summaries = append(c.summaries, s)
			c.mu.Unlock()
		},
	})
	c.m.OnEvent(func(ev Event) {
		select {
		case c.events <- ev:
		default:
		}
	})
	notices, cancel := c.m.Notifier().Subscribe()
	c.notices = notices
	t.Cleanup(func() {
		cancel()
		c.m.Close()
		c.ep.Close()
	})
	return c
}

func (c *client) join(t *testing.T) {
	t.Helper()
	require.NoError(t, c.ep.Emit(context.Background(), signaling.EventJoinRoom,
		signaling.JoinPayload{ConversationID: convID, UserID: c.id}))
}

func (c *client) session() *Session { return c.m.Session(convID) }

func (c *client) outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, 0, len(c.summaries))
	for _, s := range c.summaries {
		out = append(out, s.Outcome)
	}
	return out
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"want state %s", want)
}

func waitNotice(t *testing.T, ch <-chan *Notice) *Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n != nil {
				return n
			}
		case <-deadline:
			t.Fatal("timed out waiting for notice")
			return nil
		}
	}
}

func requireNoNotice(t *testing.T, ch <-chan *Notice) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case n := <-ch:
			if n != nil {
				t.Fatalf("unexpected notice for %s from %s", n.ConversationID, n.FromUserID)
			}
		case <-deadline:
			return
		}
	}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// spy is a bare endpoint in the room that sees every call event.
func spy(t *testing.T, hub *signaling.MemoryHub) <-chan *signaling.Envelope {
	t.Helper()
	ep := hub.Connect("spy")
	ch, cancel := ep.Subscribe()
	require.NoError(t, ep.Emit(context.Background(), signaling.EventJoinRoom,
		signaling.JoinPayload{ConversationID: convID, UserID: "spy"}))
	t.Cleanup(func() {
		cancel()
		ep.Close()
	})
	return ch
}

func waitEnvelope(t *testing.T, ch <-chan *signaling.Envelope, event, from string) *signaling.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Event == event && fromOf(env) == from {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from %s", event, from)
			return nil
		}
	}
}

func requireNoEnvelope(t *testing.T, ch <-chan *signaling.Envelope, event, from string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case env := <-ch:
			if env.Event == event && fromOf(env) == from {
				t.Fatalf("unexpected %s from %s", event, from)
			}
		case <-deadline:
			return
		}
	}
}

func fromOf(env *signaling.Envelope) string {
	var p struct {
		FromUserID string `json:"fromUserId"`
	}
	_ = env.Decode(&p)
	return p.FromUserID
}

func emitOffer(t *testing.T, c *client, sdp string) {
	t.Helper()
	require.NoError(t, c.ep.Emit(context.Background(), signaling.EventOffer, signaling.OfferPayload{
		ConversationID: convID,
		Offer:          webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
		FromUserID:     c.id,
		FromUserName:   strings.ToUpper(c.id),
	}))
}
