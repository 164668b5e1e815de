package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gator-threads/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 64
)

// Client is a middleman between the websocket connection and the hub. It
// forwards the events of one thread as one viewer sees them.
type Client struct {
	Hub      *Hub
	ThreadID string
	ViewerID string
	Conn     *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// Unsubscribe detaches the client from the engine. Called once on close.
	Unsubscribe func()

	log       *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, threadID, viewerID string) *Client {
	return &Client{
		Hub:      hub,
		ThreadID: threadID,
		ViewerID: viewerID,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		log:      hub.log.With("thread", threadID, "viewer", viewerID),
		done:     make(chan struct{}),
	}
}

// Notify queues a thread event for the peer. It never blocks: it is called
// from inside a thread actor, so a slow peer loses events instead.
func (c *Client) Notify(ev models.ThreadEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("Failed to encode thread event", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.Send <- payload:
	default:
		c.log.Warn("Send buffer full, dropping event", "kind", ev.Kind)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Unsubscribe != nil {
			c.Unsubscribe()
		}
	})
}

// ReadPump reads from the connection until it fails. Peers only send
// control frames; anything else is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
		c.log.Debug("WebSocket ReadPump stopped")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// WritePump pumps events to the websocket connection, one JSON object per
// line.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.log.Warn("WebSocket write error", "error", err)
				return
			}
			w.Write(message)

			// Add queued events to the current websocket message.
			n := len(c.Send)
			for range n {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				c.log.Warn("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
