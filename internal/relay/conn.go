package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/localserve/bookingcall/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// Outbound queue per connection. A client that cannot keep up is dropped.
	sendBuffer = 256
)

// conn is one WebSocket participant. It implements signaling.Member.
type conn struct {
	ws     *websocket.Conn
	userID string
	router *signaling.Router
	log    zerolog.Logger

	send      chan *signaling.Envelope
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, userID string, router *signaling.Router, log zerolog.Logger) *conn {
	return &conn{
		ws:     ws,
		userID: userID,
		router: router,
		log:    log.With().Str("user", userID).Logger(),
		send:   make(chan *signaling.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *conn) UserID() string { return c.userID }

// Deliver queues env for the write pump without blocking the router.
func (c *conn) Deliver(env *signaling.Envelope) {
	select {
	case <-c.done:
	case c.send <- env:
	default:
		c.log.Warn().Str("event", env.Event).Msg("send queue full, closing connection")
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// serve runs the pumps until the socket closes, then leaves every room.
func (c *conn) serve() {
	go c.writePump()
	c.readPump()
	c.router.Leave(c)
	c.close()
	c.log.Info().Msg("disconnected")
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env signaling.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if err := c.router.Route(c, &env); err != nil {
			c.log.Warn().Str("event", env.Event).Err(err).Msg("route failed")
			if out, encErr := signaling.NewEnvelope(signaling.EventError, signaling.ErrorPayload{
				Event:   env.Event,
				Message: err.Error(),
			}); encErr == nil {
				c.Deliver(out)
			}
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
