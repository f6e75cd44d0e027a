package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Client is one websocket connection following a single payment.
type Client struct {
	id         string
	paymentID  string
	conn       *websocket.Conn
	send       chan WsMessage
	done       chan struct{}
	closeOnce  sync.Once
	pingPeriod time.Duration
	logger     zerolog.Logger
}

func NewClient(conn *websocket.Conn, paymentID string, pingPeriod time.Duration, logger zerolog.Logger) *Client {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Client{
		id:         uuid.New().String(),
		paymentID:  paymentID,
		conn:       conn,
		send:       make(chan WsMessage, 16),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) PaymentID() string { return c.paymentID }

// Send queues msg without blocking and reports whether it was accepted.
func (c *Client) Send(msg WsMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ReadPump discards inbound frames and returns when the peer goes away.
func (c *Client) ReadPump() {
	defer c.Close()

	pongWait := c.pingPeriod * 10 / 9
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Str("client_id", c.id).Msg("Unexpected WebSocket close error")
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to marshal WebSocket message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
