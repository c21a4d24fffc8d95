package conn_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/conn"
	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/transport"
)

// harness wires a Manager to an in-memory dialer, a fake clock, and a real
// registry, and records every state transition.
type harness struct {
	t        *testing.T
	mgr      *conn.Manager
	dialer   *transport.MemoryDialer
	clk      *clock.Fake
	registry *topics.Registry
	states   chan conn.State
}

func newHarness(t *testing.T, cfg conn.Config, opts ...conn.Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dialer:   transport.NewMemoryDialer(),
		clk:      clock.NewFake(time.Unix(1700000000, 0)),
		registry: topics.NewRegistry(),
		states:   make(chan conn.State, 32),
	}
	all := append([]conn.Option{conn.WithClock(h.clk)}, opts...)
	h.mgr = conn.NewManager(cfg, h.dialer, h.registry, all...)
	h.mgr.OnStateChange(func(s conn.State) { h.states <- s })
	require.NoError(t, h.mgr.Start(context.Background()))
	t.Cleanup(h.mgr.Shutdown)
	return h
}

// wireRegistry forwards registry changes to the manager, the way the
// application assembles the two in production.
func (h *harness) wireRegistry() {
	h.registry.OnChange(func(topics.Set) { h.mgr.NotifyTopicsChanged() })
}

// waitState consumes transitions until the wanted state shows up.
func (h *harness) waitState(want conn.State) {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for state %v, manager is %v", want, h.mgr.State())
		}
	}
}

// assertNoTransition fails if any state change lands within a short grace
// period.
func (h *harness) assertNoTransition() {
	h.t.Helper()
	select {
	case s := <-h.states:
		h.t.Fatalf("unexpected transition to %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// acceptConn returns the backend half of the next dialed connection.
func (h *harness) acceptConn() *transport.MemoryConn {
	h.t.Helper()
	select {
	case c := <-h.dialer.Accepted():
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (h *harness) readFrame(c *transport.MemoryConn) []byte {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.Read(ctx)
	require.NoError(h.t, err, "reading frame on the backend half")
	return data
}

func (h *harness) assertNoFrame(c *transport.MemoryConn) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	data, err := c.Read(ctx)
	require.Error(h.t, err, "expected no frame, got %s", data)
}

func TestManagerSubscribeFrames(t *testing.T) {
	t.Run("connecting announces the full desired set", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.registry.Subscribe("dashboard", "tasks")
		h.mgr.Connect()

		server := h.acceptConn()
		h.waitState(conn.Connected)
		assert.JSONEq(t, `{"type":"subscribe","topics":["tasks"]}`, string(h.readFrame(server)))
	})

	t.Run("a second consumer yields exactly one combined frame", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.wireRegistry()
		h.registry.Subscribe("dashboard", "tasks")

		server := h.acceptConn()
		h.waitState(conn.Connected)
		assert.JSONEq(t, `{"type":"subscribe","topics":["tasks"]}`, string(h.readFrame(server)))

		h.registry.Subscribe("sidebar", "calendar")
		assert.JSONEq(t, `{"type":"subscribe","topics":["calendar","tasks"]}`, string(h.readFrame(server)))
		h.assertNoFrame(server)
	})

	t.Run("a notification without an actual change sends nothing", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.registry.Subscribe("dashboard", "tasks")
		h.mgr.Connect()

		server := h.acceptConn()
		h.waitState(conn.Connected)
		_ = h.readFrame(server)

		h.mgr.NotifyTopicsChanged()
		h.assertNoFrame(server)
	})
}

func TestManagerReconnectReplaysTopics(t *testing.T) {
	h := newHarness(t, conn.Config{InitialBackoff: time.Second})
	h.registry.Subscribe("dashboard", "tasks", "calendar")
	h.mgr.Connect()

	server := h.acceptConn()
	h.waitState(conn.Connected)
	first := h.readFrame(server)

	// Sever from the backend side; the manager schedules a retry.
	require.NoError(t, server.Close("backend restart"))
	h.waitState(conn.Reconnecting)

	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)

	server = h.acceptConn()
	h.waitState(conn.Connected)
	second := h.readFrame(server)

	assert.JSONEq(t, string(first), string(second),
		"the full set is replayed even though the registry never changed")
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestManagerBackoffSchedule(t *testing.T) {
	h := newHarness(t, conn.Config{
		InitialBackoff: time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     30 * time.Second,
		MaxFailures:    10,
	})
	h.registry.Subscribe("dashboard", "tasks")

	h.dialer.FailNext(2)
	h.mgr.Connect()

	// First failure: retry due after 1s.
	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)

	// Second failure: the delay doubled, so 1s is no longer enough.
	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)
	assert.Equal(t, 2, h.dialer.Dials(), "retry fired after only half its delay")

	// One more second reaches the 2s mark.
	h.clk.Advance(time.Second)
	server := h.acceptConn()
	h.waitState(conn.Connected)
	assert.Equal(t, 3, h.dialer.Dials())
	_ = h.readFrame(server)

	// A fresh connection resets the schedule: after the next loss the first
	// retry is due at the initial delay again.
	require.NoError(t, server.Close("backend restart"))
	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)

	h.acceptConn()
	h.waitState(conn.Connected)
	assert.Equal(t, 4, h.dialer.Dials())
}

func TestManagerFailsAfterMaxFailures(t *testing.T) {
	h := newHarness(t, conn.Config{InitialBackoff: time.Second, MaxFailures: 3})
	h.registry.Subscribe("dashboard", "tasks")

	h.dialer.FailNext(3)
	h.mgr.Connect()

	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)

	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)
	h.clk.Advance(2 * time.Second)

	h.waitState(conn.Failed)
	assert.Equal(t, 3, h.dialer.Dials())
	assert.Equal(t, 0, h.clk.PendingCount(), "a failed manager arms no retry timer")

	// Registry churn does not resurrect a failed session.
	h.wireRegistry()
	h.registry.Subscribe("sidebar", "calendar")
	h.assertNoTransition()
	assert.Equal(t, 3, h.dialer.Dials())

	// An explicit Connect starts over with a clean failure budget.
	h.mgr.Connect()
	server := h.acceptConn()
	h.waitState(conn.Connected)
	assert.JSONEq(t, `{"type":"subscribe","topics":["calendar","tasks"]}`, string(h.readFrame(server)))
}

func TestManagerDisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t, conn.Config{InitialBackoff: time.Second})
	h.registry.Subscribe("dashboard", "tasks")

	h.dialer.FailNext(1)
	h.mgr.Connect()
	h.waitState(conn.Reconnecting)
	h.clk.WaitForTimers(1)

	h.mgr.Disconnect()
	h.waitState(conn.Disconnected)
	assert.Equal(t, conn.Disconnected, h.mgr.State())
	assert.Equal(t, 0, h.clk.PendingCount(), "disconnect leaves no armed retry behind")

	// Even with time marching on, nothing reconnects.
	h.clk.Advance(time.Minute)
	h.assertNoTransition()
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestManagerSend(t *testing.T) {
	t.Run("suppressed while disconnected", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.mgr.Send([]byte(`{"op":"echo"}`))

		assert.Eventually(t, func() bool {
			return h.mgr.Stats().SuppressedSends == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, conn.Disconnected, h.mgr.State())
		assert.Equal(t, 0, h.dialer.Dials())
	})

	t.Run("delivered while connected", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.registry.Subscribe("dashboard", "tasks")
		h.mgr.Connect()

		server := h.acceptConn()
		h.waitState(conn.Connected)
		_ = h.readFrame(server)

		h.mgr.Send([]byte(`{"op":"echo"}`))
		assert.JSONEq(t, `{"op":"echo"}`, string(h.readFrame(server)))
		assert.Equal(t, uint64(0), h.mgr.Stats().SuppressedSends)
	})
}

func TestManagerConnectWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t, conn.Config{})
	h.registry.Subscribe("dashboard", "tasks")
	h.mgr.Connect()

	h.acceptConn()
	h.waitState(conn.Connected)

	h.mgr.Connect()
	h.assertNoTransition()
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestManagerAutoConnect(t *testing.T) {
	t.Run("first topic registration starts a connection", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.wireRegistry()

		h.registry.Subscribe("dashboard", "tasks")
		h.acceptConn()
		h.waitState(conn.Connected)
		assert.Equal(t, 1, h.dialer.Dials())
	})

	t.Run("an empty desired set keeps the manager idle", func(t *testing.T) {
		h := newHarness(t, conn.Config{})
		h.wireRegistry()

		h.registry.Subscribe("dashboard")
		h.mgr.NotifyTopicsChanged()
		h.assertNoTransition()
		assert.Equal(t, 0, h.dialer.Dials())
	})
}

func TestManagerDeliversInboundFramesInOrder(t *testing.T) {
	frames := make(chan []byte, 8)
	h := newHarness(t, conn.Config{}, conn.WithFrameSink(func(data []byte) {
		frames <- data
	}))
	h.registry.Subscribe("dashboard", "tasks")
	h.mgr.Connect()

	server := h.acceptConn()
	h.waitState(conn.Connected)
	_ = h.readFrame(server)

	ctx := context.Background()
	require.NoError(t, server.Send(ctx, []byte(`{"topic":"tasks","payload":{"n":1}}`)))
	require.NoError(t, server.Send(ctx, []byte(`{"topic":"tasks","payload":{"n":2}}`)))

	assert.JSONEq(t, `{"topic":"tasks","payload":{"n":1}}`, string(<-frames))
	assert.JSONEq(t, `{"topic":"tasks","payload":{"n":2}}`, string(<-frames))
}

// gatedDialer parks every dial until released, ignoring cancellation the
// way a slow resolver would.
type gatedDialer struct {
	release chan struct{}
	conn    transport.Conn
	dials   atomic.Int32
}

func (d *gatedDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.dials.Add(1)
	<-d.release
	return d.conn, nil
}

func TestManagerDiscardsDialRacingDisconnect(t *testing.T) {
	client, server := transport.NewMemoryPair()
	dialer := &gatedDialer{release: make(chan struct{}), conn: client}
	registry := topics.NewRegistry()
	registry.Subscribe("dashboard", "tasks")

	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := conn.NewManager(conn.Config{}, dialer, registry, conn.WithClock(fc))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Shutdown)

	m.Connect()
	assert.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	require.Equal(t, conn.Disconnected, m.State())

	// The dial finally completes; the manager must close the late
	// connection instead of adopting it.
	close(dialer.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := server.Read(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, conn.Disconnected, m.State())
}

// pingConn blocks on Read so loss can only be noticed through keepalive.
type pingConn struct {
	pingErr error
	pings   atomic.Int32
	done    chan struct{}
	once    sync.Once
}

func newPingConn(pingErr error) *pingConn {
	return &pingConn{pingErr: pingErr, done: make(chan struct{})}
}

func (c *pingConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *pingConn) Send(ctx context.Context, data []byte) error { return nil }

func (c *pingConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *pingConn) Close(reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// queueDialer hands out scripted connections in order.
type queueDialer struct {
	mu    sync.Mutex
	conns []transport.Conn
	dials int
}

func (d *queueDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, transport.ErrRefused
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *queueDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestManagerKeepalive(t *testing.T) {
	cfg := conn.Config{
		InitialBackoff:    time.Second,
		KeepaliveInterval: 30 * time.Second,
	}

	t.Run("healthy pings keep the session alive", func(t *testing.T) {
		c := newPingConn(nil)
		dialer := &queueDialer{conns: []transport.Conn{c}}
		registry := topics.NewRegistry()
		registry.Subscribe("dashboard", "tasks")

		fc := clock.NewFake(time.Unix(1700000000, 0))
		m := conn.NewManager(cfg, dialer, registry, conn.WithClock(fc))
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(m.Shutdown)

		m.Connect()
		fc.WaitForTimers(1)
		fc.Advance(30 * time.Second)

		// The successful ping re-arms the next interval.
		fc.WaitForTimers(1)
		assert.Equal(t, int32(1), c.pings.Load())
		assert.Equal(t, conn.Connected, m.State())
		assert.Equal(t, 1, dialer.dialCount())
	})

	t.Run("a failed ping counts as connection loss", func(t *testing.T) {
		first := newPingConn(errors.New("ping timeout"))
		second := newPingConn(nil)
		dialer := &queueDialer{conns: []transport.Conn{first, second}}
		registry := topics.NewRegistry()
		registry.Subscribe("dashboard", "tasks")

		states := make(chan conn.State, 32)
		fc := clock.NewFake(time.Unix(1700000000, 0))
		m := conn.NewManager(cfg, dialer, registry, conn.WithClock(fc))
		m.OnStateChange(func(s conn.State) { states <- s })
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(m.Shutdown)

		m.Connect()
		fc.WaitForTimers(1)
		fc.Advance(30 * time.Second)

		waitFor := func(want conn.State) {
			t.Helper()
			timeout := time.After(2 * time.Second)
			for {
				select {
				case got := <-states:
					if got == want {
						return
					}
				case <-timeout:
					t.Fatalf("timed out waiting for state %v", want)
				}
			}
		}

		waitFor(conn.Reconnecting)
		fc.WaitForTimers(1)
		fc.Advance(time.Second)

		waitFor(conn.Connected)
		assert.Equal(t, 2, dialer.dialCount())
	})
}
