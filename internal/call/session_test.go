package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/localserve/bookingcall/internal/signaling"
)

func connect(t *testing.T, alice, bob *client) {
	t.Helper()
	require.NoError(t, alice.session().Start(context.Background()))
	waitNotice(t, bob.notices)
	require.NoError(t, bob.session().Accept(context.Background()))
	waitState(t, alice.session(), StateConnected)
}

func TestStartThenEndReleasesEverything(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	events := spy(t, hub)
	s := alice.session()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Start(context.Background()))
		require.Equal(t, StateCalling, s.State())
		waitEnvelope(t, events, signaling.EventOffer, "alice")

		local := s.LocalStream()
		require.NotNil(t, local)
		peer := alice.peers.last()

		require.NoError(t, s.End())
		require.Equal(t, StateIdle, s.State())
		require.Nil(t, s.LocalStream())
		require.Nil(t, s.RemoteStream())
		require.True(t, local.Stopped())
		require.True(t, peer.isClosed())
		waitEnvelope(t, events, signaling.EventHangup, "alice")

		require.ErrorIs(t, s.End(), ErrInvalidState)
	}
	require.Equal(t, 3, alice.peers.count())
	require.Equal(t, []Outcome{OutcomeCancelled, OutcomeCancelled, OutcomeCancelled}, alice.outcomes())
}

func TestStartIsOnlyValidFromRest(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)

	require.NoError(t, alice.session().Start(context.Background()))
	require.ErrorIs(t, alice.session().Start(context.Background()), ErrInvalidState)
	require.Equal(t, 1, alice.peers.count())
}

func TestAcceptWithoutNoticeIsNoop(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	err := bob.session().Accept(context.Background())
	require.ErrorIs(t, err, ErrNoIncomingCall)
	require.Equal(t, StateIdle, bob.session().State())
	require.Zero(t, bob.peers.count())
	require.Nil(t, bob.media.lastStream())
	requireNoEnvelope(t, events, signaling.EventAnswer, "bob")
	requireNoEnvelope(t, events, signaling.EventCallRejected, "bob")
}

func TestDeclineSuppressesOffersForSevenSeconds(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	clock := newFakeClock()
	bob.m.Suppressor().now = clock.Now

	emitOffer(t, alice, "offer-1")
	waitNotice(t, bob.notices)
	waitState(t, bob.session(), StateRinging)
	require.NoError(t, bob.session().Reject())
	require.Equal(t, StateIdle, bob.session().State())
	_, pending := bob.m.Notifier().Current()
	require.False(t, pending)

	clock.Advance(6 * time.Second)
	emitOffer(t, alice, "offer-2")
	requireNoNotice(t, bob.notices)
	require.Equal(t, StateIdle, bob.session().State())

	clock.Advance(time.Second + time.Millisecond)
	emitOffer(t, alice, "offer-3")
	n := waitNotice(t, bob.notices)
	require.Equal(t, "offer-3", n.Offer.SDP)
}

func TestRemoteHangupWhileConnected(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	connect(t, alice, bob)
	alicePeer := alice.peers.last()

	require.NoError(t, bob.session().End())
	waitEnvelope(t, events, signaling.EventHangup, "bob")
	waitState(t, alice.session(), StateIdle)

	require.Nil(t, alice.session().LocalStream())
	require.True(t, alicePeer.isClosed())
	requireNoEnvelope(t, events, signaling.EventHangup, "alice")
	require.True(t, alice.m.Suppressor().Suppressed(convID))
	require.Equal(t, []Outcome{OutcomeCompleted}, alice.outcomes())
}

func TestAliceCallsBob(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	require.NoError(t, alice.session().Start(context.Background()))
	require.Equal(t, StateCalling, alice.session().State())

	n := waitNotice(t, bob.notices)
	require.Equal(t, convID, n.ConversationID)
	require.Equal(t, "alice", n.FromUserID)
	require.Equal(t, "ALICE", n.FromUserName)
	require.Equal(t, "offer-alice", n.Offer.SDP)
	require.True(t, n.Banner)
	waitState(t, bob.session(), StateRinging)

	require.NoError(t, bob.session().Accept(context.Background()))
	require.Equal(t, StateConnected, bob.session().State())
	waitEnvelope(t, events, signaling.EventAnswer, "bob")
	_, pending := bob.m.Notifier().Current()
	require.False(t, pending)

	waitState(t, alice.session(), StateConnected)
	require.Equal(t, "answer-bob", alice.peers.last().remoteSDP())
	require.Equal(t, "offer-alice", bob.peers.last().remoteSDP())
	require.Equal(t, "bob", alice.session().RemoteUserID())
}

func TestBobDeclines(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	require.NoError(t, alice.session().Start(context.Background()))
	local := alice.session().LocalStream()
	peer := alice.peers.last()
	waitNotice(t, bob.notices)

	require.NoError(t, bob.session().Reject())
	env := waitEnvelope(t, events, signaling.EventCallRejected, "bob")
	var p signaling.CallRejectedPayload
	require.NoError(t, env.Decode(&p))
	require.Equal(t, "alice", p.ToUserID)

	ev := waitEvent(t, alice.events, EventRejected)
	require.Equal(t, StateEnded, ev.State)
	require.Equal(t, StateEnded, alice.session().State())
	require.True(t, local.Stopped())
	require.True(t, peer.isClosed())
	require.Nil(t, alice.session().LocalStream())

	until, ok := bob.m.Suppressor().Until(convID)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(7*time.Second), until, time.Second)
	require.Equal(t, []Outcome{OutcomeRejected}, alice.outcomes())

	// ended is a rest state: a new call starts cleanly.
	require.NoError(t, alice.session().Start(context.Background()))
	require.Equal(t, StateCalling, alice.session().State())
}

func TestMediaFailureEndsAndSurfaces(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	events := spy(t, hub)
	alice.media.err = errors.New("permission denied")

	err := alice.session().Start(context.Background())
	require.ErrorIs(t, err, ErrMediaUnavailable)
	require.Equal(t, StateEnded, alice.session().State())

	ev := waitEvent(t, alice.events, EventError)
	require.ErrorIs(t, ev.Err, ErrMediaUnavailable)
	require.Zero(t, alice.peers.count())
	requireNoEnvelope(t, events, signaling.EventOffer, "alice")
}

func TestBadAnswerEndsCall(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	events := spy(t, hub)
	ctx := context.Background()

	// bob answers by hand so the answer can be malformed.
	bob := hub.Connect("bob")
	t.Cleanup(bob.Close)
	require.NoError(t, bob.Emit(ctx, signaling.EventJoinRoom,
		signaling.JoinPayload{ConversationID: convID, UserID: "bob"}))

	require.NoError(t, alice.session().Start(ctx))
	waitEnvelope(t, events, signaling.EventOffer, "alice")
	local := alice.session().LocalStream()
	peer := alice.peers.last()

	require.NoError(t, bob.Emit(ctx, signaling.EventAnswer, signaling.AnswerPayload{
		ConversationID: convID,
		Answer:         webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "bad-answer"},
		FromUserID:     "bob",
	}))

	ev := waitEvent(t, alice.events, EventError)
	require.Equal(t, StateEnded, ev.State)
	require.ErrorContains(t, ev.Err, "apply answer")
	require.Equal(t, StateEnded, alice.session().State())
	require.True(t, local.Stopped())
	require.True(t, peer.isClosed())
	require.Nil(t, alice.session().LocalStream())
	require.Equal(t, []Outcome{OutcomeFailed}, alice.outcomes())

	// bob already answered and must be told the call is over.
	waitEnvelope(t, events, signaling.EventHangup, "alice")

	// End from ended still hangs up and settles in idle.
	require.NoError(t, alice.session().End())
	require.Equal(t, StateIdle, alice.session().State())
	waitEnvelope(t, events, signaling.EventHangup, "alice")
	require.ErrorIs(t, alice.session().End(), ErrInvalidState)
}

func TestEndAfterDeclineSendsHangup(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	require.NoError(t, alice.session().Start(context.Background()))
	waitNotice(t, bob.notices)
	require.NoError(t, bob.session().Reject())
	waitState(t, alice.session(), StateEnded)
	requireNoEnvelope(t, events, signaling.EventHangup, "alice")

	require.NoError(t, alice.session().End())
	require.Equal(t, StateIdle, alice.session().State())
	waitEnvelope(t, events, signaling.EventHangup, "alice")
	require.Equal(t, StateIdle, bob.session().State())
}

func TestLateCaptureAfterEndIsDiscarded(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	events := spy(t, hub)
	block := make(chan struct{})
	alice.media.block = block

	done := make(chan error, 1)
	go func() { done <- alice.session().Start(context.Background()) }()
	waitState(t, alice.session(), StateCalling)

	require.NoError(t, alice.session().End())
	close(block)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.Equal(t, StateIdle, alice.session().State())
	require.True(t, alice.media.lastStream().Stopped())
	require.Nil(t, alice.session().LocalStream())
	require.Zero(t, alice.peers.count())
	requireNoEnvelope(t, events, signaling.EventOffer, "alice")
}

func TestEarlyCandidatesAreQueuedAndFlushed(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	ctx := context.Background()

	emitOffer(t, alice, "offer-raw")
	waitNotice(t, bob.notices)
	for _, cand := range []string{"candidate:1 1 udp 1 10.0.0.1 5000 typ host", "candidate:2 1 udp 1 10.0.0.2 5000 typ host"} {
		require.NoError(t, alice.ep.Emit(ctx, signaling.EventICECandidate, signaling.ICECandidatePayload{
			ConversationID: convID,
			Candidate:      webrtc.ICECandidateInit{Candidate: cand},
			FromUserID:     "alice",
		}))
	}
	require.Eventually(t, func() bool { return bob.session().Status().PendingICE == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.session().Accept(ctx))
	require.Equal(t, 2, bob.peers.last().candidateCount())
	require.Zero(t, bob.session().Status().PendingICE)
}

func TestAcceptFailureFallsBackToReject(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	events := spy(t, hub)

	emitOffer(t, alice, "bad-offer")
	waitNotice(t, bob.notices)

	err := bob.session().Accept(context.Background())
	require.Error(t, err)
	require.Equal(t, StateIdle, bob.session().State())
	require.True(t, bob.peers.last().isClosed())
	require.True(t, bob.media.lastStream().Stopped())

	env := waitEnvelope(t, events, signaling.EventCallRejected, "bob")
	var p signaling.CallRejectedPayload
	require.NoError(t, env.Decode(&p))
	require.Equal(t, "alice", p.ToUserID)
	requireNoEnvelope(t, events, signaling.EventAnswer, "bob")
	require.True(t, bob.m.Suppressor().Suppressed(convID))
}

func TestGlareSmallerIDWins(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	// alice is alone in the room, so her offer reaches nobody yet.
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", false)
	ctx := context.Background()

	require.NoError(t, alice.session().Start(ctx))
	bob.join(t)
	require.NoError(t, bob.session().Start(ctx))
	bobFirst := bob.peers.last()

	// alice keeps her own offer and ignores bob's.
	requireNoNotice(t, alice.notices)
	require.Equal(t, StateCalling, alice.session().State())

	// alice's offer now crosses bob's: bob yields and answers it.
	emitOffer(t, alice, "offer-alice")
	waitState(t, bob.session(), StateConnected)
	waitState(t, alice.session(), StateConnected)

	require.True(t, bobFirst.isClosed())
	require.Equal(t, 2, bob.peers.count())
	require.Equal(t, "offer-alice", bob.peers.last().remoteSDP())
	require.Equal(t, 1, alice.peers.count())
}

func TestActiveViewHidesBanner(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	bob := newClient(t, hub, "bob", true)
	bob.m.SetActiveView("b9")

	require.NoError(t, alice.session().Start(context.Background()))
	n := waitNotice(t, bob.notices)
	require.False(t, n.Banner)

	require.NoError(t, bob.session().Accept(context.Background()))
	waitState(t, alice.session(), StateConnected)
}

func TestSelfOriginatedOffersAreIgnored(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	other := hub.Connect("alice")
	require.NoError(t, other.Emit(context.Background(), signaling.EventJoinRoom,
		signaling.JoinPayload{ConversationID: convID, UserID: "alice"}))
	t.Cleanup(other.Close)

	require.NoError(t, other.Emit(context.Background(), signaling.EventOffer, signaling.OfferPayload{
		ConversationID: convID,
		Offer:          webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"},
		FromUserID:     "alice",
	}))
	requireNoNotice(t, alice.notices)
	require.Equal(t, StateIdle, alice.session().State())
}

func TestTogglesReachThePeer(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	s := alice.session()

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.ToggleAudio())
	require.True(t, s.ToggleVideo())
	require.False(t, s.LocalStream().AudioEnabled())

	st := s.Status()
	require.True(t, st.AudioMuted)
	require.True(t, st.VideoDisabled)
	require.Equal(t, "calling", st.State)

	peer := alice.peers.last()
	peer.mu.Lock()
	require.True(t, peer.disabled[webrtc.RTPCodecTypeAudio])
	require.True(t, peer.disabled[webrtc.RTPCodecTypeVideo])
	peer.mu.Unlock()

	require.False(t, s.ToggleAudio())
}

func TestCloseEndsActiveSessions(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	events := spy(t, hub)

	require.NoError(t, alice.session().Start(context.Background()))
	alice.m.Close()
	alice.m.Close()

	require.Equal(t, StateIdle, alice.session().State())
	waitEnvelope(t, events, signaling.EventHangup, "alice")
}

func TestStatusKeepsRecentPeerTransitions(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newClient(t, hub, "alice", true)
	s := alice.session()
	require.Nil(t, s.Status().LastChange)

	require.NoError(t, s.Start(context.Background()))
	h := alice.peers.last().h
	h.OnStateChange("ice", "checking")
	h.OnStateChange("connection", "connecting")

	st := s.Status()
	require.Len(t, st.Transitions, 2)
	require.NotNil(t, st.LastChange)
	require.Equal(t, "connection", st.LastChange.Kind)
	require.Equal(t, "connecting", st.LastChange.State)
}
