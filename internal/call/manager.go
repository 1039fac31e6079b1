// Package call runs booking video calls: one state machine per conversation,
// the process-wide incoming call notice and the suppression windows, all
// driven by events from a signaling.Channel.
package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/signaling"
)

// Options configures a Manager. Channel and UserID are required.
type Options struct {
	UserID   string
	UserName string
	Channel  signaling.Channel

	// Media defaults to the static source, NewPeer to pion with default ICE
	// settings.
	Media   MediaSource
	NewPeer PeerFactory

	Suppression config.Suppression
	// Store persists suppression windows; nil keeps them in memory.
	Store KV

	// RecordDir, if set, receives remote audio/video of every call.
	RecordDir string

	OnCallEnded func(CallSummary)
	OnPeerSeen  func(userID, userName string)
}

// Manager owns the sessions, the notifier and the suppression windows for
// one signed-in user, and applies channel events to them on a single
// dispatch goroutine.
type Manager struct {
	ch       signaling.Channel
	userID   string
	userName string
	media    MediaSource
	newPeer  PeerFactory

	recordDir   string
	onCallEnded func(CallSummary)
	onPeerSeen  func(userID, userName string)

	notifier *Notifier
	suppress *Suppressor
	log      zerolog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	activeView string
	windows    config.Suppression

	handlersMu sync.RWMutex
	handlers   []func(Event)

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// New creates a Manager and starts listening on the channel immediately.
func New(opts Options) *Manager {
	media := opts.Media
	if media == nil {
		media = staticSource{}
	}
	newPeer := opts.NewPeer
	if newPeer == nil {
		newPeer = NewPionFactory(config.Default().ICE, media)
	}
	windows := opts.Suppression
	if windows.DeclineSec <= 0 || windows.HangupSec <= 0 {
		windows = config.Default().Suppression
	}

	m := &Manager{
		ch:          opts.Channel,
		userID:      opts.UserID,
		userName:    opts.UserName,
		media:       media,
		newPeer:     newPeer,
		recordDir:   opts.RecordDir,
		onCallEnded: opts.OnCallEnded,
		onPeerSeen:  opts.OnPeerSeen,
		notifier:    NewNotifier(),
		suppress:    NewSuppressor(opts.Store),
		log:         log.With().Str("component", "call").Str("user", opts.UserID).Logger(),
		sessions:    make(map[string]*Session),
		windows:     windows,
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}

	// Subscribe before returning so no event emitted after New is missed.
	events, cancel := m.ch.Subscribe()
	go m.dispatchLoop(events, cancel)
	return m
}

func (m *Manager) UserID() string { return m.userID }

func (m *Manager) Notifier() *Notifier { return m.notifier }

func (m *Manager) Suppressor() *Suppressor { return m.suppress }

// OnEvent registers a handler for session events. Handlers run on the
// goroutine that caused the event and must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlersMu.Unlock()
}

func (m *Manager) publish(ev Event) {
	m.handlersMu.RLock()
	handlers := make([]func(Event), len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Session returns the session of conversationID, creating an idle one.
func (m *Manager) Session(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		s = newSession(m, conversationID)
		m.sessions[conversationID] = s
	}
	return s
}

// Sessions returns every known session ordered by conversation id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].conversationID < out[j].conversationID })
	return out
}

// SetActiveView records which conversation's call screen is open ("" for
// none). While one is open, incoming notices do not raise the banner.
func (m *Manager) SetActiveView(conversationID string) {
	m.mu.Lock()
	m.activeView = conversationID
	m.mu.Unlock()
}

func (m *Manager) ActiveView() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeView
}

// SetSuppression replaces the window lengths, e.g. after a config reload.
func (m *Manager) SetSuppression(w config.Suppression) {
	if w.DeclineSec <= 0 || w.HangupSec <= 0 {
		return
	}
	m.mu.Lock()
	m.windows = w
	m.mu.Unlock()
}

func (m *Manager) declineWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windows.DeclineWindow()
}

func (m *Manager) hangupWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windows.HangupWindow()
}

// Close stops dispatching and ends every active session. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.loopDone
		for _, s := range m.Sessions() {
			if s.State() != StateIdle {
				_ = s.End()
			}
		}
		m.log.Info().Msg("call manager closed")
	})
}

func (m *Manager) dispatchLoop(events <-chan *signaling.Envelope, cancel func()) {
	defer close(m.loopDone)
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-events:
			if !ok {
				m.log.Info().Msg("signaling channel closed")
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch applies one channel event. Self-originated events are ignored;
// everything else is routed by conversation id.
func (m *Manager) dispatch(env *signaling.Envelope) {
	switch env.Event {
	case signaling.EventOffer:
		var p signaling.OfferPayload
		if m.decode(env, &p) && p.FromUserID != m.userID {
			m.handleOffer(p)
		}

	case signaling.EventAnswer:
		var p signaling.AnswerPayload
		if m.decode(env, &p) && p.FromUserID != m.userID {
			if s := m.lookup(p.ConversationID); s != nil {
				s.handleAnswer(p)
			}
		}

	case signaling.EventICECandidate:
		var p signaling.ICECandidatePayload
		if m.decode(env, &p) && p.FromUserID != m.userID {
			if s := m.lookup(p.ConversationID); s != nil {
				s.handleCandidate(p)
			}
		}

	case signaling.EventHangup:
		var p signaling.HangupPayload
		if !m.decode(env, &p) || p.FromUserID == m.userID {
			return
		}
		m.notifier.ClearNotice(p.ConversationID)
		m.suppress.Suppress(p.ConversationID, m.hangupWindow())
		if s := m.lookup(p.ConversationID); s != nil {
			s.handleHangup()
		}

	case signaling.EventCallRejected:
		var p signaling.CallRejectedPayload
		if !m.decode(env, &p) || p.FromUserID == m.userID {
			return
		}
		if p.ToUserID != "" && p.ToUserID != m.userID {
			return
		}
		m.notifier.ClearNotice(p.ConversationID)
		m.suppress.Suppress(p.ConversationID, m.declineWindow())
		if s := m.lookup(p.ConversationID); s != nil {
			s.handleRejected()
		}

	case signaling.EventError:
		var p signaling.ErrorPayload
		if m.decode(env, &p) {
			m.log.Warn().Str("event", p.Event).Str("error", p.Message).Msg("signaling server error")
		}
	}
}

// handleOffer raises the incoming call notice unless the conversation is
// suppressed or busy. On glare the smaller user id keeps its own offer; the
// other side drops its offer and answers the incoming one.
func (m *Manager) handleOffer(p signaling.OfferPayload) {
	l := m.log.With().Str("conversation", p.ConversationID).Str("from", p.FromUserID).Logger()
	if m.suppress.Suppressed(p.ConversationID) {
		l.Debug().Msg("offer suppressed")
		return
	}
	if m.onPeerSeen != nil {
		m.onPeerSeen(p.FromUserID, p.FromUserName)
	}

	s := m.Session(p.ConversationID)
	autoAccept := false
	if s.State() == StateCalling {
		if m.userID < p.FromUserID {
			l.Info().Msg("glare: keeping own offer")
			return
		}
		l.Info().Msg("glare: yielding to remote offer")
		s.yield()
		autoAccept = true
	}

	if !s.ring(p) {
		l.Debug().Str("state", s.State().String()).Msg("offer ignored, session busy")
		return
	}

	m.notifier.SetNotice(Notice{
		ConversationID: p.ConversationID,
		Offer:          p.Offer,
		FromUserID:     p.FromUserID,
		FromUserName:   p.FromUserName,
		ReceivedAt:     time.Now(),
		Banner:         !autoAccept && m.ActiveView() == "",
	})

	if autoAccept {
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				l.Warn().Err(err).Msg("glare auto-accept failed")
			}
		}()
	}
}

func (m *Manager) lookup(conversationID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[conversationID]
}

func (m *Manager) decode(env *signaling.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		m.log.Warn().Err(err).Str("event", env.Event).Msg("malformed event")
		return false
	}
	return true
}
