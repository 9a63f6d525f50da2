package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmgr818/render-at-home/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Watchers only send control frames.
	maxMessageSize = 512

	sendBufSize = 16
)

// Upgrader accepts watchers from any origin; the API is already CORS-open.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one websocket connection watching a task's progress.
type Client struct {
	TaskID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
}

func NewClient(taskID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		TaskID: taskID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufSize),
	}
}

// Run subscribes the client, queues a snapshot taken after subscribing and
// pumps messages until the connection closes or the task finishes.
func (c *Client) Run(snapshot func() (model.Progress, error)) {
	c.hub.Subscribe(c)
	if p, err := snapshot(); err != nil {
		c.hub.Unsubscribe(c)
	} else {
		c.hub.deliver(c, p)
	}
	go c.writePump()
	c.readPump() // blocks
	c.hub.Unsubscribe(c)
}

// ─────────────────────────────────────────────
// Read pump: keeps deadlines fresh, detects close
// ─────────────────────────────────────────────

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithField("task", c.TaskID).Debugf("read error: %v", err)
			}
			return
		}
	}
}

// ─────────────────────────────────────────────
// Write pump: Server → watcher
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// task over or hub dropped us
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
