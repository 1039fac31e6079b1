package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Notice is the single process-wide incoming call notification.
type Notice struct {
	ConversationID string
	Offer          webrtc.SessionDescription
	FromUserID     string
	FromUserName   string
	ReceivedAt     time.Time

	// Banner is false when the user is already looking at a call screen; the
	// notice is still kept so the call can be accepted from there.
	Banner bool
}

// Notifier holds at most one Notice and publishes every change to its
// subscribers. All mutation goes through SetNotice, ClearNotice and Take.
type Notifier struct {
	mu      sync.Mutex
	current *Notice
	subs    map[chan *Notice]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan *Notice]struct{})}
}

// SetNotice replaces the current notice.
func (n *Notifier) SetNotice(nt Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = &nt
	n.publishLocked(&nt)
}

// ClearNotice drops the notice if it belongs to conversationID. An empty id
// clears any notice. Reports whether something was cleared.
func (n *Notifier) ClearNotice(conversationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return false
	}
	if conversationID != "" && n.current.ConversationID != conversationID {
		return false
	}
	n.current = nil
	n.publishLocked(nil)
	return true
}

// Take clears and returns the notice for conversationID in one step.
func (n *Notifier) Take(conversationID string) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil || n.current.ConversationID != conversationID {
		return Notice{}, false
	}
	nt := *n.current
	n.current = nil
	n.publishLocked(nil)
	return nt, true
}

func (n *Notifier) Current() (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Notice{}, false
	}
	return *n.current, true
}

// Subscribe returns a channel that receives the new notice after every
// change, or nil when it was cleared.
func (n *Notifier) Subscribe() (<-chan *Notice, func()) {
	ch := make(chan *Notice, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) publishLocked(nt *Notice) {
	for ch := range n.subs {
		var cp *Notice
		if nt != nil {
			c := *nt
			cp = &c
		}
		select {
		case ch <- cp:
		default:
		}
	}
}
