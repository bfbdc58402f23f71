// Package ws owns the websocket transport: upgrading connections, the
// per-connection read and write pumps, and backpressure on slow consumers.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Large enough for a maximum-size inline image after base64 framing.
	maxFrameSize = 8 << 20

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler consumes the inbound side of one connection.
type Handler interface {
	HandleFrame(raw []byte)
	HandleClose()
}

// Client is one live websocket connection. Outbound events are queued on a
// buffered channel drained by the write pump; a consumer that falls too far
// behind is dropped rather than allowed to stall the sender.
type Client struct {
	conn *websocket.Conn
	send chan protocol.Event
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// ServeWS upgrades the request and starts the connection's pumps. bind is
// called once with the new client so the caller can attach its session
// before any frame is read.
func ServeWS(w http.ResponseWriter, r *http.Request, log *zap.Logger, bind func(*Client) Handler) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan protocol.Event, sendBuffer),
		log:  log,
	}
	handler := bind(client)

	go client.writePump()
	go client.readPump(handler)
}

// Send queues an event for delivery. It reports false if the connection is
// closed or its queue is full; a full queue closes the connection.
func (c *Client) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.log.Warn("dropping slow consumer", zap.String("remote", c.conn.RemoteAddr().String()))
		c.closed = true
		close(c.send)
		return false
	}
}

// Close shuts the outbound queue down. Idempotent; the write pump finishes
// the wire-level close.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump(handler Handler) {
	defer func() {
		handler.HandleClose()
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		handler.HandleFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
