package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRefused is the scripted dial failure of the MemoryDialer.
var ErrRefused = errors.New("transport: connection refused")

// memoryBuffer is the per-direction frame queue size. Tests never come
// close; a full queue applies backpressure rather than dropping.
const memoryBuffer = 64

// MemoryConn is one half of an in-process connection pair. Frames sent on
// one half arrive at the other; closing either half kills both, the same
// way a socket drop does.
type MemoryConn struct {
	in   chan []byte
	peer *MemoryConn
	done chan struct{}
	once *sync.Once
}

// NewMemoryPair returns the two halves of a connected loopback transport.
func NewMemoryPair() (client, server *MemoryConn) {
	done := make(chan struct{})
	once := new(sync.Once)
	client = &MemoryConn{in: make(chan []byte, memoryBuffer), done: done, once: once}
	server = &MemoryConn{in: make(chan []byte, memoryBuffer), done: done, once: once}
	client.peer, server.peer = server, client
	return client, server
}

// Read returns the next frame the peer sent. Frames queued before a close
// are still delivered.
func (c *MemoryConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues one frame for the peer.
func (c *MemoryConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	frame := append([]byte(nil), data...)
	select {
	case c.peer.in <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping succeeds while the pair is alive.
func (c *MemoryConn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close drops the pair. Both halves observe the loss.
func (c *MemoryConn) Close(reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// MemoryDialer hands out loopback connections, one fresh pair per dial.
// Tests script refusals with FailNext and receive the server halves of
// accepted dials from Accepted, like a listener would.
type MemoryDialer struct {
	mu       sync.Mutex
	failNext int
	dials    int
	accepted chan *MemoryConn
}

// NewMemoryDialer returns a dialer that accepts every dial until told
// otherwise.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{accepted: make(chan *MemoryConn, memoryBuffer)}
}

// FailNext makes the next n dials fail with ErrRefused.
func (d *MemoryDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Dials returns how many dial attempts were made, refused ones included.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Accepted delivers the server half of every successful dial.
func (d *MemoryDialer) Accepted() <-chan *MemoryConn {
	return d.accepted
}

// Dial implements Dialer.
func (d *MemoryDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, fmt.Errorf("memory dial: %w", ErrRefused)
	}
	d.mu.Unlock()

	client, server := NewMemoryPair()
	select {
	case d.accepted <- server:
	default:
		// Nobody is collecting server halves; the client half still works.
	}
	return client, nil
}
