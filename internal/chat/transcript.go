// Package chat keeps the per-conversation booking chat transcript in sync
// with the signaling channel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/signaling"
)

// HistorySource returns the persisted messages of a conversation, oldest first.
type HistorySource interface {
	History(ctx context.Context, conversationID string) ([]signaling.MessagePayload, error)
}

// Upload is a stored attachment.
type Upload struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (Upload, error)
}

type Options struct {
	ConversationID string
	LocalUserID    string
	Channel        signaling.Channel
	History        HistorySource
	Uploader       Uploader
}

// Transcript is the ordered message list of one conversation. History is
// loaded once; after that entries are only appended. Optimistic local
// entries are never reconciled with the server's echo.
type Transcript struct {
	conversationID string
	localUserID    string
	ch             signaling.Channel
	history        HistorySource
	uploader       Uploader
	log            zerolog.Logger

	mu        sync.RWMutex
	messages  []Message
	loaded    bool
	nextLocal uint64
	listeners []chan Message

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// Open creates the transcript and subscribes to the channel until Close.
func Open(opts Options) *Transcript {
	t := &Transcript{
		conversationID: opts.ConversationID,
		localUserID:    opts.LocalUserID,
		ch:             opts.Channel,
		history:        opts.History,
		uploader:       opts.Uploader,
		log:            log.With().Str("component", "chat").Str("conversation", opts.ConversationID).Logger(),
		messages:       make([]Message, 0),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	events, cancel := t.ch.Subscribe()
	go t.receiveLoop(events, cancel)
	return t
}

func (t *Transcript) ConversationID() string { return t.conversationID }

// LoadHistory fetches prior messages once and puts them ahead of anything
// that arrived while the fetch was in flight. A failed fetch leaves the list
// as it is; the error is only logged.
func (t *Transcript) LoadHistory(ctx context.Context) {
	t.mu.Lock()
	if t.loaded {
		t.mu.Unlock()
		return
	}
	t.loaded = true
	t.mu.Unlock()

	loaded := make([]Message, 0)
	if t.history != nil {
		payloads, err := t.history.History(ctx, t.conversationID)
		if err != nil {
			t.log.Warn().Err(err).Msg("history unavailable")
			payloads = nil
		}
		for _, p := range payloads {
			loaded = append(loaded, fromPayload(p, t.localUserID))
		}
	}

	t.mu.Lock()
	t.messages = append(loaded, t.messages...)
	t.mu.Unlock()
	t.log.Debug().Int("count", len(loaded)).Msg("history loaded")
}

// AppendIncoming adds a message in arrival order. There is no dedup.
func (t *Transcript) AppendIncoming(msg Message) {
	msg.IsCurrentUser = msg.SenderID == t.localUserID
	t.append(msg)
}

// SendText inserts a pending entry and emits sendBookingMessage.
func (t *Transcript) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}
	t.append(Message{
		ConversationID: t.conversationID,
		SenderID:       t.localUserID,
		Timestamp:      time.Now().UnixMilli(),
		MessageType:    MessageTypeText,
		Text:           text,
		IsCurrentUser:  true,
		IsPending:      true,
	})
	return t.ch.Emit(ctx, signaling.EventSendMessage, signaling.MessagePayload{
		ConversationID: t.conversationID,
		SenderID:       t.localUserID,
		Text:           text,
		MessageType:    signaling.MessageTypeText,
	})
}

// SendAttachment inserts a pending entry, uploads r and then emits the
// message with the stored file URL. The entry stops being pending once the
// upload completes; a failed upload removes it.
func (t *Transcript) SendAttachment(ctx context.Context, name string, r io.Reader) error {
	if t.uploader == nil {
		return errors.New("attachments unavailable")
	}
	mt := TypeForFile(name)
	id := t.append(Message{
		ConversationID: t.conversationID,
		SenderID:       t.localUserID,
		Timestamp:      time.Now().UnixMilli(),
		MessageType:    mt,
		FileName:       name,
		IsCurrentUser:  true,
		IsPending:      true,
	})

	up, err := t.uploader.Upload(ctx, name, r)
	if err != nil {
		t.remove(id)
		return fmt.Errorf("upload %s: %w", name, err)
	}
	t.settle(id, up.URL)

	return t.ch.Emit(ctx, signaling.EventSendMessage, signaling.MessagePayload{
		ConversationID: t.conversationID,
		SenderID:       t.localUserID,
		FileURL:        up.URL,
		FileName:       name,
		MessageType:    string(mt),
	})
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Subscribe returns a channel that receives every appended message.
func (t *Transcript) Subscribe() <-chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Message, 32)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (t *Transcript) Unsubscribe(ch <-chan Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close stops receiving channel events and closes listeners. Idempotent.
func (t *Transcript) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		<-t.loopDone
		t.mu.Lock()
		for _, l := range t.listeners {
			close(l)
		}
		t.listeners = nil
		t.mu.Unlock()
	})
}

func (t *Transcript) receiveLoop(events <-chan *signaling.Envelope, cancel func()) {
	defer close(t.loopDone)
	defer cancel()
	for {
		select {
		case <-t.done:
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			if env.Event != signaling.EventReceiveMessage {
				continue
			}
			var p signaling.MessagePayload
			if err := env.Decode(&p); err != nil {
				t.log.Warn().Err(err).Msg("malformed message")
				continue
			}
			if p.ConversationID != t.conversationID {
				continue
			}
			t.AppendIncoming(fromPayload(p, t.localUserID))
		}
	}
}

func (t *Transcript) append(msg Message) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextLocal++
	msg.localID = t.nextLocal
	t.messages = append(t.messages, msg)
	for _, l := range t.listeners {
		select {
		case l <- msg:
		default:
		}
	}
	return msg.localID
}

func (t *Transcript) settle(localID uint64, fileURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].localID == localID {
			t.messages[i].IsPending = false
			t.messages[i].FileURL = fileURL
			return
		}
	}
}

func (t *Transcript) remove(localID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].localID == localID {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return
		}
	}
}
