// Package transport is the boundary between the sync client and whatever
// carries its frames. The connection manager depends only on the Dialer and
// Conn capabilities; the WebSocket implementation and the in-process
// loopback used by tests and demos both live here.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a connection that is gone.
var ErrClosed = errors.New("transport: connection closed")

// Dialer opens a fresh connection. The manager calls Dial once per connect
// attempt; every attempt gets its own Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live bidirectional message channel. Read blocks until a frame
// arrives or the connection dies; a Read error means the connection is gone
// and the Conn must not be reused.
type Conn interface {
	// Read returns the next inbound text frame.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one outbound text frame.
	Send(ctx context.Context, data []byte) error

	// Ping checks liveness; an error counts as connection loss.
	Ping(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}
