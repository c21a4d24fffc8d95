package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *Bus) {
	t.Helper()

	bus := NewBus(nil)
	hub := NewHub(bus, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
		_ = bus.Close()
	})
	return hub, bus
}

func newTestClient(buf int) *client {
	return &client{id: uuid.NewString(), send: make(chan []byte, buf)}
}

// counts doubles as a synchronization barrier: the run loop answers it
// only after finishing every earlier frame and registration.
func counts(t *testing.T, hub *Hub) map[string]int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := hub.TopicCounts(ctx)
	require.NoError(t, err)
	return got
}

func recvFrame(t *testing.T, c *client) wire.Event {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed before a frame arrived")
		ev, err := wire.DecodeEvent(data)
		require.NoError(t, err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wire.Event{}
	}
}

func assertSilent(t *testing.T, c *client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubFanoutFiltersByTopic(t *testing.T) {
	hub, bus := newTestHub(t)

	alice := newTestClient(sendBuffer)
	bob := newTestClient(sendBuffer)
	require.True(t, hub.add(alice))
	require.True(t, hub.add(bob))

	hub.announce(alice, topics.NewSet("tasks"))
	hub.announce(bob, topics.NewSet("calendar"))
	require.Equal(t, map[string]int{"tasks": 1, "calendar": 1}, counts(t, hub))

	require.NoError(t, bus.Publish(context.Background(), "tasks", []byte(`{"id":1}`)))

	ev := recvFrame(t, alice)
	assert.Equal(t, topics.Topic("tasks"), ev.Topic)
	assert.JSONEq(t, `{"id":1}`, string(ev.Payload))
	assertSilent(t, bob)
}

func TestHubFullSetReplace(t *testing.T) {
	hub, bus := newTestHub(t)

	cl := newTestClient(sendBuffer)
	require.True(t, hub.add(cl))

	hub.announce(cl, topics.NewSet("tasks"))
	require.Equal(t, map[string]int{"tasks": 1}, counts(t, hub))

	require.NoError(t, bus.Publish(context.Background(), "tasks", []byte(`{"id":1}`)))
	assert.Equal(t, topics.Topic("tasks"), recvFrame(t, cl).Topic)

	// The next frame replaces the whole set; tasks is gone.
	hub.announce(cl, topics.NewSet("calendar"))
	require.Equal(t, map[string]int{"calendar": 1}, counts(t, hub))

	require.NoError(t, bus.Publish(context.Background(), "tasks", []byte(`{"id":2}`)))
	require.NoError(t, bus.Publish(context.Background(), "calendar", []byte(`{"day":"mon"}`)))

	ev := recvFrame(t, cl)
	assert.Equal(t, topics.Topic("calendar"), ev.Topic)
	assert.JSONEq(t, `{"day":"mon"}`, string(ev.Payload))
	assertSilent(t, cl)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, bus := newTestHub(t)

	slow := newTestClient(1)
	require.True(t, hub.add(slow))
	hub.announce(slow, topics.NewSet("firehose"))
	require.Equal(t, map[string]int{"firehose": 1}, counts(t, hub))

	// The first frame fills the buffer; the second finds it full and
	// must evict the client instead of waiting for it.
	require.NoError(t, bus.Publish(context.Background(), "firehose", []byte(`{"n":1}`)))
	require.NoError(t, bus.Publish(context.Background(), "firehose", []byte(`{"n":2}`)))

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := hub.TopicCounts(ctx)
		return err == nil && len(got) == 0
	}, 2*time.Second, 10*time.Millisecond, "slow client should be evicted")

	ev := recvFrame(t, slow)
	assert.JSONEq(t, `{"n":1}`, string(ev.Payload))
	_, open := <-slow.send
	assert.False(t, open, "send channel should be closed after eviction")
}

func TestHubUnregisterPrunesTopics(t *testing.T) {
	hub, _ := newTestHub(t)

	a := newTestClient(sendBuffer)
	b := newTestClient(sendBuffer)
	require.True(t, hub.add(a))
	require.True(t, hub.add(b))
	hub.announce(a, topics.NewSet("tasks"))
	hub.announce(b, topics.NewSet("tasks"))
	require.Equal(t, map[string]int{"tasks": 2}, counts(t, hub))

	hub.remove(a)
	require.Equal(t, map[string]int{"tasks": 1}, counts(t, hub))
	_, open := <-a.send
	assert.False(t, open)

	hub.remove(b)
	assert.Empty(t, counts(t, hub))
}

func TestHubRefusesClientsAfterStop(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	hub := NewHub(bus, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	assert.False(t, hub.add(newTestClient(1)))

	_, err := hub.TopicCounts(context.Background())
	assert.ErrorIs(t, err, ErrHubStopped)
}
