package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// listenerBuffer is the per-subscriber queue length. A subscriber that falls
// this far behind loses events.
const listenerBuffer = 256

// Envelope is one event on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// scope is the subset of fields every event carries.
type scope struct {
	ConversationID string `json:"conversationId"`
	FromUserID     string `json:"fromUserId"`
	SenderID       string `json:"senderId"`
}

// ConversationID extracts the conversation id from any event payload.
func (e *Envelope) ConversationID() string {
	var s scope
	_ = json.Unmarshal(e.Data, &s)
	return s.ConversationID
}

// Channel is the only surface the call and chat packages need from the
// transport.
type Channel interface {
	Emit(ctx context.Context, event string, payload any) error
	Subscribe() (ch <-chan *Envelope, cancel func())
}

// fanout delivers envelopes to every subscriber without blocking the reader.
type fanout struct {
	mu        sync.RWMutex
	listeners map[chan *Envelope]struct{}
	closed    bool
}

func newFanout() *fanout {
	return &fanout{listeners: make(map[chan *Envelope]struct{})}
}

func (f *fanout) subscribe() (<-chan *Envelope, func()) {
	ch := make(chan *Envelope, listenerBuffer)

	f.mu.Lock()
	if f.closed {
		close(ch)
		f.mu.Unlock()
		return ch, func() {}
	}
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *fanout) publish(env *Envelope) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners {
		select {
		case ch <- env:
		default:
			log.Warn().Str("component", "signaling").Str("event", env.Event).Msg("listener full, dropping event")
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.listeners {
		close(ch)
	}
	f.listeners = nil
}
