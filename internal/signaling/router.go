package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Member is one connected participant as seen by a Router.
type Member interface {
	UserID() string
	Deliver(env *Envelope)
}

// PersistFunc stores a chat message before it is broadcast. The router has
// already assigned ID and Timestamp.
type PersistFunc func(msg MessagePayload) error

// Router applies the server's delivery rules:
//   - joinBookingRoom adds the sender to the conversation room,
//   - webrtc:* events from a room member go to every other member of the
//     room; fromUserId must name the sending connection,
//   - sendBookingMessage is persisted and broadcast as receiveBookingMessage
//     to every member of the room, the sender included. senderId is always
//     the sending connection's user.
//
// It is shared by the WebSocket relay and the in-memory hub.
type Router struct {
	persist PersistFunc
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[Member]struct{}
}

// NewRouter creates a Router. persist may be nil.
func NewRouter(persist PersistFunc) *Router {
	return &Router{
		persist: persist,
		now:     time.Now,
		rooms:   make(map[string]map[Member]struct{}),
	}
}

// Join adds m to the conversation room.
func (r *Router) Join(conversationID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[Member]struct{})
		r.rooms[conversationID] = room
	}
	room[m] = struct{}{}
}

// Leave removes m from every room.
func (r *Router) Leave(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, room := range r.rooms {
		delete(room, m)
		if len(room) == 0 {
			delete(r.rooms, id)
		}
	}
}

// Members returns the number of members in a conversation room.
func (r *Router) Members(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// Route handles one inbound envelope from m.
func (r *Router) Route(from Member, env *Envelope) error {
	convID := env.ConversationID()
	if convID == "" {
		return fmt.Errorf("%s: missing conversationId", env.Event)
	}

	switch {
	case env.Event == EventJoinRoom:
		r.Join(convID, from)
		return nil

	case IsCallEvent(env.Event):
		if !r.isMember(convID, from) {
			return fmt.Errorf("%s: not a member of %s", env.Event, convID)
		}
		var sig struct {
			FromUserID string `json:"fromUserId"`
		}
		if err := env.Decode(&sig); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if sig.FromUserID != from.UserID() {
			return fmt.Errorf("%s: fromUserId %q does not match connection user %q", env.Event, sig.FromUserID, from.UserID())
		}
		for _, m := range r.members(convID) {
			if m != from {
				m.Deliver(env)
			}
		}
		return nil

	case env.Event == EventSendMessage:
		var msg MessagePayload
		if err := env.Decode(&msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if msg.Text == "" && msg.FileURL == "" {
			return errors.New("message has neither text nor fileUrl")
		}
		msg.SenderID = from.UserID()
		if msg.MessageType == "" {
			msg.MessageType = MessageTypeText
		}
		msg.ID = uuid.NewString()
		msg.Timestamp = r.now().UnixMilli()
		if r.persist != nil {
			if err := r.persist(msg); err != nil {
				return fmt.Errorf("persist message: %w", err)
			}
		}
		out, err := NewEnvelope(EventReceiveMessage, msg)
		if err != nil {
			return err
		}
		for _, m := range r.members(convID) {
			m.Deliver(out)
		}
		return nil
	}

	return fmt.Errorf("unknown event %q", env.Event)
}

func (r *Router) isMember(conversationID string, m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][m]
	return ok
}

func (r *Router) members(conversationID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[conversationID]
	out := make([]Member, 0, len(room))
	for m := range room {
		out = append(out, m)
	}
	return out
}
