// Package router fans inbound topic events out to registered listeners and
// keeps the most recent message per topic. It never performs I/O: the
// connection manager feeds it raw frames, and consumers watch topics
// through the bridge.
package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/wire"
)

// Message is one delivered topic event. Payload is the raw JSON the backend
// sent; ReceivedAt is stamped on arrival with the router's clock.
type Message struct {
	Topic      topics.Topic
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Wanter reports whether a topic is currently desired. Frames for topics
// nobody wants are dropped, not faulted: a backend may keep sending briefly
// after an unsubscribe.
type Wanter interface {
	Wants(t topics.Topic) bool
}

// Stats counts dispatch outcomes. Dropped frames are visible here and in
// debug logs, never as errors to consumers.
type Stats struct {
	Delivered      uint64
	DecodeErrors   uint64
	UndesiredDrops uint64
	ListenerPanics uint64
}

// Router dispatches decoded frames to per-topic listeners. Dispatch is
// expected from a single goroutine (the connection manager's loop), which
// is what keeps per-topic delivery in arrival order; registration and reads
// are safe from anywhere.
type Router struct {
	source Wanter
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[topics.Topic]map[int]func(Message)
	seq       int
	last      map[topics.Topic]Message
	lastAny   *Message

	delivered      atomic.Uint64
	decodeErrors   atomic.Uint64
	undesiredDrops atomic.Uint64
	listenerPanics atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithClock injects the clock used to stamp ReceivedAt.
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clk = clk }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New builds a Router that consults source before delivering.
func New(source Wanter, opts ...Option) *Router {
	r := &Router{
		source:    source,
		clk:       clock.Real(),
		logger:    slog.Default().With("component", "router"),
		listeners: make(map[topics.Topic]map[int]func(Message)),
		last:      make(map[topics.Topic]Message),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch decodes one raw frame and delivers it. Undecodable frames and
// frames for undesired topics are counted and dropped.
func (r *Router) Dispatch(frame []byte) {
	ev, err := wire.DecodeEvent(frame)
	if err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn("frame dropped, not decodable", "error", err, "bytes", len(frame))
		return
	}
	if !r.source.Wants(ev.Topic) {
		r.undesiredDrops.Add(1)
		r.logger.Debug("frame dropped, topic not desired", "topic", ev.Topic)
		return
	}

	msg := Message{
		Topic:      ev.Topic,
		Payload:    ev.Payload,
		ReceivedAt: r.clk.Now(),
	}

	r.mu.Lock()
	r.last[msg.Topic] = msg
	r.lastAny = &msg
	fns := make([]func(Message), 0, len(r.listeners[msg.Topic]))
	for _, fn := range r.listeners[msg.Topic] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.deliver(fn, msg)
	}
	r.delivered.Add(1)
}

// deliver invokes one listener, absorbing a panic so the rest of the fanout
// and the dispatch loop survive a misbehaving consumer.
func (r *Router) deliver(fn func(Message), msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.listenerPanics.Add(1)
			r.logger.Error("listener panicked", "topic", msg.Topic, "panic", rec)
		}
	}()
	fn(msg)
}

// OnMessage registers fn for every message on t. The returned function
// unregisters; calling it more than once is safe.
func (r *Router) OnMessage(t topics.Topic, fn func(Message)) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	if r.listeners[t] == nil {
		r.listeners[t] = make(map[int]func(Message))
	}
	r.listeners[t][id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.listeners[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.listeners, t)
			}
		}
	}
}

// LastMessage returns the most recent message delivered on t. The cache
// survives reconnects; it empties only when the process does.
func (r *Router) LastMessage(t topics.Topic) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.last[t]
	return msg, ok
}

// Last returns the most recent message delivered on any topic.
func (r *Router) Last() (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastAny == nil {
		return Message{}, false
	}
	return *r.lastAny, true
}

// Stats returns dispatch counters. Safe from any goroutine.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered:      r.delivered.Load(),
		DecodeErrors:   r.decodeErrors.Load(),
		UndesiredDrops: r.undesiredDrops.Load(),
		ListenerPanics: r.listenerPanics.Load(),
	}
}

// Decode unmarshals a message payload into T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 {
		return v, errors.New("router: message has no payload")
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Listen registers a listener that decodes each payload into T before
// invoking fn. Payloads that do not parse count as decode errors and are
// skipped; the raw message is still available through LastMessage.
func Listen[T any](r *Router, t topics.Topic, fn func(T, Message)) func() {
	return r.OnMessage(t, func(msg Message) {
		v, err := Decode[T](msg)
		if err != nil {
			r.decodeErrors.Add(1)
			r.logger.Warn("typed listener payload did not parse", "topic", t, "error", err)
			return
		}
		fn(v, msg)
	})
}
