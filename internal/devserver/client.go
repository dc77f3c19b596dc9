package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// client is one websocket connection of a user.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn, userID string, logger *zap.Logger) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// close stops the write pump, which closes the connection.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump hands every inbound frame to handle until the connection fails.
func (c *client) readPump(handle func(*client, []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		handle(c, frame)
	}
}

// writePump owns all writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
