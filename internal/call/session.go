package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/localserve/bookingcall/internal/signaling"
)

// transitionLog is how many connection/ICE transitions a session keeps.
const transitionLog = 32

// Session is the call state machine of one conversation. A Manager keeps at
// most one per conversation id.
//
// Every attempt bumps gen. Blocking steps (capture, negotiation) run without
// the lock and re-check gen afterwards; a result for a torn-down attempt is
// released and discarded.
type Session struct {
	mgr            *Manager
	conversationID string
	log            zerolog.Logger
	transitions    *peerTransitions

	mu             sync.Mutex
	state          State
	gen            uint64
	remoteUserID   string
	remoteUserName string
	direction      Direction
	startedAt      time.Time
	local          *LocalStream
	remote         *RemoteStream
	pm             *peerManager
	remoteSet      bool
	iceQueue       []webrtc.ICECandidateInit
	audioOn        bool
	videoOn        bool
}

func newSession(m *Manager, conversationID string) *Session {
	return &Session{
		mgr:            m,
		conversationID: conversationID,
		log:            m.log.With().Str("conversation", conversationID).Logger(),
		transitions:    newPeerTransitions(transitionLog),
		audioOn:        true,
		videoOn:        true,
	}
}

func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalStream returns the capture of the current attempt, or nil.
func (s *Session) LocalStream() *LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteStream returns the attached remote media, or nil.
func (s *Session) RemoteStream() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) RemoteUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserID
}

// Status returns a snapshot for diagnostics.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		ConversationID: s.conversationID,
		State:          s.state.String(),
		RemoteUserID:   s.remoteUserID,
		RemoteUserName: s.remoteUserName,
		Direction:      s.direction,
		AudioMuted:     !s.audioOn,
		VideoDisabled:  !s.videoOn,
		HasLocal:       s.local != nil,
		PendingICE:     len(s.iceQueue),
	}
	remote := s.remote
	s.mu.Unlock()

	if remote != nil {
		st.RemoteTracks = len(remote.Tracks())
	}
	st.Transitions, st.LastChange = s.transitions.snapshot()
	return st
}

// ── user operations ──────────────────────────────────────────────────────────

// Start places an outgoing call: capture, offer, emit webrtc:offer. The
// session shows calling until an answer or rejection arrives; there is no
// timeout.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.resting() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	gen := s.beginAttemptLocked(DirectionOutgoing)
	s.state = StateCalling
	s.mu.Unlock()
	s.log.Info().Msg("starting call")
	s.publishState(StateCalling)

	stream, err := s.mgr.media.Capture(ctx, s.conversationID)
	if err != nil {
		err = mediaError(err)
		s.fail(gen, err)
		return err
	}
	pc, err := s.attachLocal(gen, stream)
	if err != nil {
		s.fail(gen, err)
		return err
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("create offer: %w", err)
		s.fail(gen, err)
		return err
	}
	if !s.alive(gen) {
		return ErrSessionClosed
	}

	if err := s.mgr.ch.Emit(ctx, signaling.EventOffer, signaling.OfferPayload{
		ConversationID: s.conversationID,
		Offer:          offer,
		FromUserID:     s.mgr.userID,
		FromUserName:   s.mgr.userName,
	}); err != nil {
		err = fmt.Errorf("send offer: %w", err)
		s.fail(gen, err)
		return err
	}
	return nil
}

// Accept answers the pending incoming call of this conversation. Without a
// notice it returns ErrNoIncomingCall and changes nothing. Any failure after
// the notice was taken falls back to rejecting the call.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateRinging && !st.resting() {
		return fmt.Errorf("%w: accept while %s", ErrInvalidState, st)
	}

	notice, ok := s.mgr.notifier.Take(s.conversationID)
	if !ok {
		return ErrNoIncomingCall
	}
	return s.acceptNotice(ctx, notice)
}

func (s *Session) acceptNotice(ctx context.Context, notice Notice) error {
	s.mu.Lock()
	if s.state != StateRinging && !s.state.resting() {
		st := s.state
		s.mu.Unlock()
		s.mgr.notifier.SetNotice(notice)
		return fmt.Errorf("%w: accept while %s", ErrInvalidState, st)
	}
	var gen uint64
	if s.state == StateRinging && s.remoteUserID == notice.FromUserID {
		// Keep the attempt begun by the offer, including queued candidates.
		gen = s.gen
	} else {
		gen = s.beginAttemptLocked(DirectionIncoming)
	}
	s.remoteUserID = notice.FromUserID
	s.remoteUserName = notice.FromUserName
	s.state = StateConnecting
	s.mu.Unlock()
	s.log.Info().Str("from", notice.FromUserID).Msg("accepting call")
	s.publishState(StateConnecting)

	stream, err := s.mgr.media.Capture(ctx, s.conversationID)
	if err != nil {
		err = mediaError(err)
		s.rejectAfterFailure(gen, err)
		return err
	}
	pc, err := s.attachLocal(gen, stream)
	if err != nil {
		s.rejectAfterFailure(gen, err)
		return err
	}
	if err := pc.SetRemoteDescription(notice.Offer); err != nil {
		err = fmt.Errorf("apply offer: %w", err)
		s.rejectAfterFailure(gen, err)
		return err
	}
	s.flushCandidates(gen, pc)

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		err = fmt.Errorf("create answer: %w", err)
		s.rejectAfterFailure(gen, err)
		return err
	}
	if !s.alive(gen) {
		return ErrSessionClosed
	}
	if err := s.mgr.ch.Emit(ctx, signaling.EventAnswer, signaling.AnswerPayload{
		ConversationID: s.conversationID,
		Answer:         answer,
		FromUserID:     s.mgr.userID,
	}); err != nil {
		err = fmt.Errorf("send answer: %w", err)
		s.rejectAfterFailure(gen, err)
		return err
	}

	if !s.setStateIf(gen, StateConnected) {
		return ErrSessionClosed
	}
	s.log.Info().Msg("call connected")
	return nil
}

// Reject declines the incoming call: webrtc:call-rejected to the caller,
// notice cleared, decline window opened, back to idle.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateRinging {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: reject while %s", ErrInvalidState, st)
	}
	caller := s.remoteUserID
	td := s.detachLocked(StateIdle, OutcomeRejected)
	s.mu.Unlock()

	notice, had := s.mgr.notifier.Take(s.conversationID)
	if caller == "" && had {
		caller = notice.FromUserID
	}
	td.release()
	if caller == "" {
		return ErrNoIncomingCall
	}

	s.sendRejection(caller)
	s.mgr.suppress.Suppress(s.conversationID, s.mgr.declineWindow())
	s.finish(td)
	s.publishState(StateIdle)
	return nil
}

// End hangs up from any non-idle state and always sends webrtc:hangup, so a
// peer still holding an attempt that ended on our side is released too.
// Local tracks are stopped, the connection closed, stream handles and any
// pending notice cleared.
func (s *Session) End() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: end while idle", ErrInvalidState)
	}
	outcome := OutcomeCancelled
	if s.state == StateConnected {
		outcome = OutcomeCompleted
	}
	td := s.detachLocked(StateIdle, outcome)
	s.mu.Unlock()

	s.sendHangup()
	td.release()
	s.mgr.notifier.ClearNotice(s.conversationID)
	s.mgr.suppress.Suppress(s.conversationID, s.mgr.hangupWindow())
	s.finish(td)
	s.log.Info().Msg("call ended")
	s.publishState(StateIdle)
	return nil
}

// ToggleAudio flips local audio on/off. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on := s.audioOn
	local, pm := s.local, s.pm
	s.mu.Unlock()

	if local != nil {
		local.audioOn.Store(on)
	}
	s.applyTrackEnabled(pm, webrtc.RTPCodecTypeAudio, on)
	s.log.Info().Bool("muted", !on).Msg("audio toggled")
	return !on
}

// ToggleVideo flips local video on/off. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on := s.videoOn
	local, pm := s.local, s.pm
	s.mu.Unlock()

	if local != nil {
		local.videoOn.Store(on)
	}
	s.applyTrackEnabled(pm, webrtc.RTPCodecTypeVideo, on)
	s.log.Info().Bool("disabled", !on).Msg("video toggled")
	return !on
}

func (s *Session) applyTrackEnabled(pm *peerManager, kind webrtc.RTPCodecType, on bool) {
	if pm == nil {
		return
	}
	if pc := pm.current(); pc != nil {
		if err := pc.SetTrackEnabled(kind, on); err != nil {
			s.log.Warn().Err(err).Str("kind", kind.String()).Msg("toggle track failed")
		}
	}
}

// ── remote events (manager dispatch goroutine) ───────────────────────────────

// ring moves a resting session to ringing for an incoming offer. Reports
// false if the session is busy.
func (s *Session) ring(p signaling.OfferPayload) bool {
	s.mu.Lock()
	if !s.state.resting() {
		s.mu.Unlock()
		return false
	}
	s.beginAttemptLocked(DirectionIncoming)
	s.remoteUserID = p.FromUserID
	s.remoteUserName = p.FromUserName
	s.state = StateRinging
	s.mu.Unlock()
	s.log.Info().Str("from", p.FromUserID).Msg("incoming call")
	s.publishState(StateRinging)
	return true
}

// yield drops our own outgoing offer after losing glare. No hangup is sent;
// the peer's offer is answered instead.
func (s *Session) yield() {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	td := s.detachLocked(StateIdle, "")
	s.mu.Unlock()
	td.release()
}

func (s *Session) handleAnswer(p signaling.AnswerPayload) {
	s.mu.Lock()
	if s.state != StateCalling || s.pm == nil {
		st := s.state
		s.mu.Unlock()
		s.log.Debug().Str("state", st.String()).Msg("ignoring answer")
		return
	}
	gen, pm := s.gen, s.pm
	s.remoteUserID = p.FromUserID
	s.mu.Unlock()

	pc, err := pm.get()
	if err == nil {
		err = pc.SetRemoteDescription(p.Answer)
	}
	if err != nil {
		// The callee has already answered and sits in connected.
		if s.alive(gen) {
			s.sendHangup()
		}
		s.fail(gen, fmt.Errorf("apply answer: %w", err))
		return
	}
	s.flushCandidates(gen, pc)
	if s.setStateIf(gen, StateConnected) {
		s.log.Info().Str("remote", p.FromUserID).Msg("call connected")
	}
}

// handleCandidate adds a remote candidate, queueing it until the remote
// description is applied. Failures are logged only.
func (s *Session) handleCandidate(p signaling.ICECandidatePayload) {
	s.mu.Lock()
	if s.state.resting() {
		s.mu.Unlock()
		s.log.Debug().Msg("dropping candidate for inactive session")
		return
	}
	if !s.remoteSet || s.pm == nil {
		s.iceQueue = append(s.iceQueue, p.Candidate)
		s.mu.Unlock()
		return
	}
	pm := s.pm
	s.mu.Unlock()

	if pc := pm.current(); pc != nil {
		if err := pc.AddICECandidate(p.Candidate); err != nil {
			s.log.Warn().Err(err).Msg("add ice candidate failed")
		}
	}
}

// handleHangup ends the session without sending a hangup back.
func (s *Session) handleHangup() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	outcome := OutcomeCancelled
	if s.state == StateConnected {
		outcome = OutcomeCompleted
	}
	td := s.detachLocked(StateIdle, outcome)
	s.mu.Unlock()

	td.release()
	s.finish(td)
	s.log.Info().Msg("remote hung up")
	s.publishState(StateIdle)
}

// handleRejected moves an outgoing attempt to ended and tears it down.
func (s *Session) handleRejected() {
	s.mu.Lock()
	switch s.state {
	case StateCalling, StateConnecting, StateConnected:
	default:
		s.mu.Unlock()
		return
	}
	td := s.detachLocked(StateEnded, OutcomeRejected)
	s.mu.Unlock()

	td.release()
	s.finish(td)
	s.log.Info().Msg("call rejected by remote")
	s.mgr.publish(Event{Kind: EventRejected, ConversationID: s.conversationID, State: StateEnded})
}

// ── peer callbacks ───────────────────────────────────────────────────────────

func (s *Session) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if !s.alive(gen) {
		return
	}
	if err := s.mgr.ch.Emit(context.Background(), signaling.EventICECandidate, signaling.ICECandidatePayload{
		ConversationID: s.conversationID,
		Candidate:      c,
		FromUserID:     s.mgr.userID,
	}); err != nil {
		s.log.Warn().Err(err).Msg("send ice candidate failed")
	}
}

func (s *Session) onRemoteTrack(gen uint64, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.gen != gen || s.pm == nil {
		s.mu.Unlock()
		return
	}
	if s.remote == nil {
		s.remote = newRemoteStream(track.StreamID())
	}
	s.remote.add(track)
	pm := s.pm
	s.mu.Unlock()

	s.log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
	s.mgr.publish(Event{Kind: EventRemoteStream, ConversationID: s.conversationID, State: s.State()})

	if s.mgr.recordDir != "" {
		if pc := pm.current(); pc != nil {
			go recordTrack(s.mgr.recordDir, s.conversationID, track, pc, s.log)
		}
	}
}

func (s *Session) onStateChange(kind, state string) {
	if !s.transitions.record(kind, state, time.Now()) {
		return
	}
	s.log.Debug().Str("kind", kind).Str("state", state).Msg("peer state")
}

// ── internals ────────────────────────────────────────────────────────────────

// beginAttemptLocked starts a fresh attempt and returns its generation.
func (s *Session) beginAttemptLocked(dir Direction) uint64 {
	s.gen++
	gen := s.gen
	s.direction = dir
	s.startedAt = time.Now()
	s.remoteUserID, s.remoteUserName = "", ""
	s.remoteSet = false
	s.iceQueue = nil
	s.audioOn, s.videoOn = true, true
	s.pm = newPeerManager(s.mgr.newPeer, PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { s.onLocalCandidate(gen, c) },
		OnTrack:        func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { s.onRemoteTrack(gen, t) },
		OnStateChange:  s.onStateChange,
	})
	return gen
}

// teardown carries what detachLocked took from the session so it can be
// released outside the lock.
type teardown struct {
	local   *LocalStream
	pm      *peerManager
	summary *CallSummary
}

func (td teardown) release() {
	if td.local != nil {
		td.local.Stop()
	}
	if td.pm != nil {
		td.pm.close()
	}
}

// detachLocked invalidates the current attempt and moves to next. An empty
// outcome records nothing.
func (s *Session) detachLocked(next State, outcome Outcome) teardown {
	s.gen++
	td := teardown{local: s.local, pm: s.pm}
	if outcome != "" && !s.startedAt.IsZero() {
		td.summary = &CallSummary{
			ConversationID: s.conversationID,
			RemoteUserID:   s.remoteUserID,
			Direction:      s.direction,
			Outcome:        outcome,
			StartedAt:      s.startedAt,
			EndedAt:        time.Now(),
		}
	}
	s.local, s.remote, s.pm = nil, nil, nil
	s.remoteSet = false
	s.iceQueue = nil
	s.startedAt = time.Time{}
	s.state = next
	return td
}

func (s *Session) finish(td teardown) {
	if td.summary != nil && s.mgr.onCallEnded != nil {
		s.mgr.onCallEnded(*td.summary)
	}
}

func (s *Session) alive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) setStateIf(gen uint64, st State) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.mu.Unlock()
	s.publishState(st)
	return true
}

// attachLocal hands stream to the attempt and returns its peer. A stream
// arriving for a dead attempt is stopped.
func (s *Session) attachLocal(gen uint64, stream *LocalStream) (Peer, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		stream.Stop()
		return nil, ErrSessionClosed
	}
	s.local = stream
	stream.audioOn.Store(s.audioOn)
	stream.videoOn.Store(s.videoOn)
	pm := s.pm
	s.mu.Unlock()

	pc, err := pm.get()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if err := pc.AddLocalStream(stream); err != nil {
		return nil, fmt.Errorf("add local stream: %w", err)
	}
	return pc, nil
}

func (s *Session) flushCandidates(gen uint64, pc Peer) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	queued := s.iceQueue
	s.iceQueue = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("add queued ice candidate failed")
		}
	}
	if len(queued) > 0 {
		s.log.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
	}
}

// fail ends the attempt after a local error and surfaces it.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	td := s.detachLocked(StateEnded, OutcomeFailed)
	s.mu.Unlock()

	td.release()
	s.finish(td)
	if errors.Is(err, ErrSessionClosed) {
		return
	}
	s.log.Warn().Err(err).Msg("call failed")
	s.mgr.publish(Event{Kind: EventError, ConversationID: s.conversationID, State: StateEnded, Err: err})
}

// rejectAfterFailure is the accept failure path: the caller is told the call
// was rejected and the session returns to idle.
func (s *Session) rejectAfterFailure(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	caller := s.remoteUserID
	td := s.detachLocked(StateIdle, OutcomeFailed)
	s.mu.Unlock()

	td.release()
	if caller != "" {
		s.sendRejection(caller)
	}
	s.mgr.suppress.Suppress(s.conversationID, s.mgr.declineWindow())
	s.finish(td)
	if !errors.Is(err, ErrSessionClosed) {
		s.log.Warn().Err(err).Msg("accept failed, rejecting")
		s.mgr.publish(Event{Kind: EventError, ConversationID: s.conversationID, State: StateIdle, Err: err})
	}
	s.publishState(StateIdle)
}

func (s *Session) sendHangup() {
	if err := s.mgr.ch.Emit(context.Background(), signaling.EventHangup, signaling.HangupPayload{
		ConversationID: s.conversationID,
		FromUserID:     s.mgr.userID,
	}); err != nil {
		s.log.Warn().Err(err).Msg("send hangup failed")
	}
}

func (s *Session) sendRejection(caller string) {
	if err := s.mgr.ch.Emit(context.Background(), signaling.EventCallRejected, signaling.CallRejectedPayload{
		ConversationID: s.conversationID,
		FromUserID:     s.mgr.userID,
		ToUserID:       caller,
	}); err != nil {
		s.log.Warn().Err(err).Msg("send rejection failed")
	}
}

func (s *Session) publishState(st State) {
	s.mgr.publish(Event{Kind: EventState, ConversationID: s.conversationID, State: st})
}

func mediaError(err error) error {
	if errors.Is(err, ErrMediaUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
}
