package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	sendBuffer     = 64
)

// Client wraps one WebSocket connection. Reads happen on the handler
// goroutine; all writes go through the send channel so the write pump is
// the only writer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closeCode int
	closeText string
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues payload for delivery without blocking. A full buffer or a
// closing connection drops the frame; the caller treats that as a slow
// client.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// CloseWith schedules a close frame with the given code. Idempotent; the
// first caller wins.
func (c *Client) CloseWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// writePump serializes all outbound traffic: queued frames, keepalive pings
// and the final close frame. Exits when the connection dies or CloseWith
// fires, and tears the connection down on the way out.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			// Flush frames queued before the close was requested, so an
			// error frame always precedes its close code.
			for drained := false; !drained; {
				select {
				case payload := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("write close frame to %s: %v", c.id, err)
			}
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read returns the next inbound text frame, enforcing the read deadline and
// message size limit.
func (c *Client) read() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (c *Client) prepareRead() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
