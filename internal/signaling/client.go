package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size (SDP blobs are a few KB).
	maxMessageSize = 1 << 20
)

// ErrClosed is returned by Emit after the connection has gone away.
var ErrClosed = errors.New("signaling: connection closed")

// Client is a WebSocket connection to the signaling server. It satisfies
// Channel. There is no reconnect: when the socket drops, Done is closed and
// subscriber channels are closed.
type Client struct {
	conn   *websocket.Conn
	userID string
	log    zerolog.Logger

	writeMu sync.Mutex
	fan     *fanout

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling server at rawURL as userID.
func Dial(ctx context.Context, rawURL, userID string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{
		conn:   conn,
		userID: userID,
		log:    log.With().Str("component", "signaling").Str("user", userID).Logger(),
		fan:    newFanout(),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	c.log.Info().Str("url", rawURL).Msg("connected")
	return c, nil
}

// UserID returns the identity this client connected as.
func (c *Client) UserID() string { return c.userID }

// Emit sends one event to the server.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	c.log.Debug().Str("event", event).Msg("emit")
	return nil
}

// Subscribe returns a channel receiving every inbound envelope.
func (c *Client) Subscribe() (<-chan *Envelope, func()) {
	return c.fan.subscribe()
}

// Join asks the server to deliver the conversation's events to this client.
func (c *Client) Join(ctx context.Context, joinEvent, conversationID string) error {
	return c.Emit(ctx, joinEvent, JoinPayload{ConversationID: conversationID, UserID: c.userID})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		close(c.done)
		c.fan.close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.log.Debug().Str("event", env.Event).Msg("recv")
		c.fan.publish(&env)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}
		}
	}
}
