package router_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/router"
	"github.com/nfrund/remora/internal/topics"
)

func newRouter(t *testing.T, desired ...topics.Topic) (*router.Router, *clock.Fake) {
	t.Helper()
	registry := topics.NewRegistry()
	registry.Subscribe("test-consumer", desired...)
	fc := clock.NewFake(time.Unix(1700000000, 0))
	return router.New(registry, router.WithClock(fc)), fc
}

func TestRouterDispatch(t *testing.T) {
	t.Run("delivers to listeners on the frame's topic only", func(t *testing.T) {
		r, _ := newRouter(t, "tasks", "calendar")

		var tasks, calendar []router.Message
		r.OnMessage("tasks", func(m router.Message) { tasks = append(tasks, m) })
		r.OnMessage("calendar", func(m router.Message) { calendar = append(calendar, m) })

		r.Dispatch([]byte(`{"topic":"tasks","payload":{"id":7}}`))

		require.Len(t, tasks, 1)
		assert.Equal(t, topics.Topic("tasks"), tasks[0].Topic)
		assert.JSONEq(t, `{"id":7}`, string(tasks[0].Payload))
		assert.Empty(t, calendar, "listener on another topic must not fire")
		assert.Equal(t, uint64(1), r.Stats().Delivered)
	})

	t.Run("keeps arrival order per topic", func(t *testing.T) {
		r, _ := newRouter(t, "tasks")

		var got []string
		r.OnMessage("tasks", func(m router.Message) { got = append(got, string(m.Payload)) })

		for i := 1; i <= 5; i++ {
			r.Dispatch([]byte(fmt.Sprintf(`{"topic":"tasks","payload":%d}`, i)))
		}
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
	})

	t.Run("stamps ReceivedAt with the injected clock", func(t *testing.T) {
		r, fc := newRouter(t, "tasks")

		r.Dispatch([]byte(`{"topic":"tasks","payload":1}`))
		fc.Advance(time.Minute)
		r.Dispatch([]byte(`{"topic":"tasks","payload":2}`))

		msg, ok := r.LastMessage("tasks")
		require.True(t, ok)
		assert.Equal(t, fc.Now(), msg.ReceivedAt)
	})
}

func TestRouterDrops(t *testing.T) {
	t.Run("undecodable frames are counted, not delivered", func(t *testing.T) {
		r, _ := newRouter(t, "tasks")

		fired := false
		r.OnMessage("tasks", func(router.Message) { fired = true })

		r.Dispatch([]byte(`not json`))
		r.Dispatch([]byte(`{"payload":{"id":1}}`)) // missing topic

		assert.False(t, fired)
		assert.Equal(t, uint64(2), r.Stats().DecodeErrors)
		assert.Equal(t, uint64(0), r.Stats().Delivered)
	})

	t.Run("frames for undesired topics are counted, not delivered", func(t *testing.T) {
		r, _ := newRouter(t, "tasks")

		r.Dispatch([]byte(`{"topic":"weather","payload":{"temp":21}}`))

		assert.Equal(t, uint64(1), r.Stats().UndesiredDrops)
		_, ok := r.LastMessage("weather")
		assert.False(t, ok, "dropped frames must not enter the cache")
	})
}

func TestRouterLastMessage(t *testing.T) {
	r, _ := newRouter(t, "tasks", "calendar")

	_, ok := r.Last()
	assert.False(t, ok, "empty router has no last message")

	r.Dispatch([]byte(`{"topic":"tasks","payload":1}`))
	r.Dispatch([]byte(`{"topic":"calendar","payload":2}`))
	r.Dispatch([]byte(`{"topic":"tasks","payload":3}`))

	msg, ok := r.LastMessage("tasks")
	require.True(t, ok)
	assert.JSONEq(t, `3`, string(msg.Payload), "per-topic cache holds the newest message")

	msg, ok = r.LastMessage("calendar")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(msg.Payload))

	msg, ok = r.Last()
	require.True(t, ok)
	assert.Equal(t, topics.Topic("tasks"), msg.Topic, "global cache tracks the newest across topics")
}

func TestRouterListenerIsolation(t *testing.T) {
	r, _ := newRouter(t, "tasks")

	var before, after int
	r.OnMessage("tasks", func(router.Message) { before++ })
	r.OnMessage("tasks", func(router.Message) { panic("listener bug") })
	r.OnMessage("tasks", func(router.Message) { after++ })

	r.Dispatch([]byte(`{"topic":"tasks","payload":1}`))
	r.Dispatch([]byte(`{"topic":"tasks","payload":2}`))

	assert.Equal(t, 2, before, "listeners before the faulty one keep firing")
	assert.Equal(t, 2, after, "listeners after the faulty one keep firing")
	assert.Equal(t, uint64(2), r.Stats().ListenerPanics)
	assert.Equal(t, uint64(2), r.Stats().Delivered)
}

func TestRouterUnsubscribe(t *testing.T) {
	r, _ := newRouter(t, "tasks")

	calls := 0
	off := r.OnMessage("tasks", func(router.Message) { calls++ })

	r.Dispatch([]byte(`{"topic":"tasks","payload":1}`))
	off()
	r.Dispatch([]byte(`{"topic":"tasks","payload":2}`))
	off() // second call is a no-op

	assert.Equal(t, 1, calls)

	msg, ok := r.LastMessage("tasks")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(msg.Payload), "the cache updates even with nobody listening")
}

func TestListenTyped(t *testing.T) {
	type task struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}

	r, _ := newRouter(t, "tasks")

	var got []task
	off := router.Listen(r, "tasks", func(v task, _ router.Message) { got = append(got, v) })
	defer off()

	r.Dispatch([]byte(`{"topic":"tasks","payload":{"id":1,"title":"write tests"}}`))
	r.Dispatch([]byte(`{"topic":"tasks","payload":"not a task"}`))
	r.Dispatch([]byte(`{"topic":"tasks","payload":{"id":2,"title":"ship"}}`))

	require.Len(t, got, 2, "unparsable payloads are skipped")
	assert.Equal(t, task{ID: 1, Title: "write tests"}, got[0])
	assert.Equal(t, task{ID: 2, Title: "ship"}, got[1])
	assert.Equal(t, uint64(1), r.Stats().DecodeErrors)
}
