package transport

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one established real-time connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials text-frame websocket connections.
type WebSocketDialer struct {
	Header    http.Header
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}
