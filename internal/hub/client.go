package hub

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

// Client is one WebSocket connection. It owns at most one mounted view.
type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	config config.WebSocketConfig

	// detached is set under Hub.mu once the hub has dropped the client.
	detached bool

	mu     sync.Mutex
	userID string
	view   io.Closer
	closed bool
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	return &Client{
		ID:     id,
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		config: cfg,
	}
}

// UserID is the authenticated user, or "" before auth.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetView replaces the mounted view, closing the previous one. A view
// set on a closed client is closed immediately.
func (c *Client) SetView(v io.Closer) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if v != nil {
			v.Close()
		}
		return
	}
	prev := c.view
	c.view = v
	c.mu.Unlock()

	if prev != nil && prev != v {
		prev.Close()
	}
}

// View returns the mounted view, or nil.
func (c *Client) View() io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// shutdown marks the client closed and takes its view in one step, so
// no view can be mounted afterwards. Closing Send lets WritePump flush
// what is queued and send a close frame.
func (c *Client) shutdown() {
	c.mu.Lock()
	v := c.view
	c.view = nil
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()

	if v != nil {
		v.Close()
	}
}

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldClientID, c.ID).Msg("websocket read error")
			}
			break
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a JSON frame. Frames for a closed client, or one
// whose buffer is full, are dropped.
func (c *Client) SendMessage(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.Send <- data:
	default:
		l := log.L()
		l.Warn().Str(log.FieldClientID, c.ID).Msg("send buffer full, dropping frame")
	}
	return nil
}
