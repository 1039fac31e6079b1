package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryHub is an in-process signaling server. Every endpoint it hands out
// satisfies Channel, with the same delivery rules as the WebSocket relay.
type MemoryHub struct {
	router *Router

	mu        sync.Mutex
	endpoints []*MemoryEndpoint
}

// NewMemoryHub creates a hub. persist may be nil.
func NewMemoryHub(persist PersistFunc) *MemoryHub {
	return &MemoryHub{router: NewRouter(persist)}
}

// Connect returns a new endpoint for userID.
func (h *MemoryHub) Connect(userID string) *MemoryEndpoint {
	ep := &MemoryEndpoint{hub: h, userID: userID, fan: newFanout()}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
	return ep
}

// Router exposes the hub's room state.
func (h *MemoryHub) Router() *Router { return h.router }

// MemoryEndpoint is one participant connected to a MemoryHub.
type MemoryEndpoint struct {
	hub    *MemoryHub
	userID string
	fan    *fanout
}

func (e *MemoryEndpoint) UserID() string { return e.userID }

// Deliver implements Member.
func (e *MemoryEndpoint) Deliver(env *Envelope) { e.fan.publish(env) }

// Emit implements Channel. Routing errors are reported back as an error
// event, as the relay does.
func (e *MemoryEndpoint) Emit(_ context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := e.hub.router.Route(e, env); err != nil {
		log.Debug().Str("component", "signaling").Err(err).Msg("memory hub route failed")
		if out, encErr := NewEnvelope(EventError, ErrorPayload{Event: event, Message: err.Error()}); encErr == nil {
			e.Deliver(out)
		}
	}
	return nil
}

// Subscribe implements Channel.
func (e *MemoryEndpoint) Subscribe() (<-chan *Envelope, func()) {
	return e.fan.subscribe()
}

// Close disconnects the endpoint from every room and closes subscribers.
func (e *MemoryEndpoint) Close() {
	e.hub.router.Leave(e)
	e.fan.close()
}
