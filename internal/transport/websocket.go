package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds inbound frame size. Sync events are small; a
// frame this large means a confused backend.
const DefaultReadLimit int64 = 1 << 20

// WebSocketDialer dials a backend WebSocket endpoint and yields Conns
// speaking text frames.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// DialTimeout bounds each dial attempt. Zero means no extra bound
	// beyond the caller's context.
	DialTimeout time.Duration

	// ReadLimit overrides DefaultReadLimit when positive.
	ReadLimit int64
}

// Dial opens one WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
