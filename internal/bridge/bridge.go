// Package bridge assembles the registry, connection manager, and router
// into the one shared instance a running application uses. Every UI
// surface that wants updates goes through a Bridge; there is exactly one
// physical connection behind it no matter how many consumers subscribe.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/conn"
	"github.com/nfrund/remora/internal/router"
	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/transport"
)

// ErrOutOfScope is the panic value when the consumer API is used without an
// active bridge: before Start, after Close, or from a context no bridge was
// attached to. That is a missing setup step in the surrounding application,
// so it faults immediately instead of limping along.
var ErrOutOfScope = errors.New("bridge: used outside an active scope")

// Config tunes the bridge's transport and connection behavior.
type Config struct {
	// URL is the websocket endpoint events arrive on.
	URL string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// ReadLimit caps inbound frame size in bytes; zero keeps the transport
	// default.
	ReadLimit int64

	// Conn tunes reconnect and keepalive behavior.
	Conn conn.Config
}

// Bridge owns one registry + manager + router set and their wiring. Build
// it with New, activate with Start, tear down with Close, and hand it to
// consumers by reference (or via NewContext) rather than through a global.
type Bridge struct {
	logger   *slog.Logger
	registry *topics.Registry
	router   *router.Router
	manager  *conn.Manager

	mu      sync.Mutex
	started bool
	closed  bool
	subs    map[*Subscription]struct{}
}

// Stats bundles the counters of the underlying components.
type Stats struct {
	Router router.Stats
	Conn   conn.Stats
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	dialer transport.Dialer
	clk    clock.Clock
	logger *slog.Logger
}

// WithDialer replaces the websocket dialer, letting tests and offline
// tooling run against an in-memory backend.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock injects the clock shared by the manager and router.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithLogger overrides the default logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New wires up a Bridge. The registry feeds desired-set changes to the
// manager, and the manager feeds inbound frames to the router; consumers
// only ever see the Subscribe surface.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	o := &options{
		clk:    clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("bridge: config needs a URL (or an explicit dialer)")
		}
		o.dialer = &transport.WebSocketDialer{
			URL:         cfg.URL,
			DialTimeout: cfg.DialTimeout,
			ReadLimit:   cfg.ReadLimit,
		}
	}

	b := &Bridge{
		logger: o.logger.With("component", "bridge"),
		subs:   make(map[*Subscription]struct{}),
	}
	b.registry = topics.NewRegistry(topics.WithLogger(o.logger.With("component", "topics")))
	b.router = router.New(b.registry,
		router.WithClock(o.clk),
		router.WithLogger(o.logger.With("component", "router")))
	b.manager = conn.NewManager(cfg.Conn, o.dialer, b.registry,
		conn.WithClock(o.clk),
		conn.WithLogger(o.logger.With("component", "conn")),
		conn.WithFrameSink(b.router.Dispatch))

	b.registry.OnChange(func(topics.Set) { b.manager.NotifyTopicsChanged() })
	return b, nil
}

// Start activates the scope. ctx bounds the whole session; cancelling it
// tears the connection down.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bridge: already closed")
	}
	if b.started {
		return fmt.Errorf("bridge: already started")
	}
	if err := b.manager.Start(ctx); err != nil {
		return err
	}
	b.started = true
	b.logger.Info("bridge scope active")
	return nil
}

// Close deactivates the scope: the connection drops, every outstanding
// subscription is released, and further Subscribe calls fault. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	live := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		live = append(live, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	b.manager.Shutdown()
	for _, s := range live {
		s.Release()
	}
	b.logger.Info("bridge scope closed", "released_subscriptions", len(live))
	return nil
}

// Connect asks the manager for a connection. Consumers rarely need this:
// subscribing a non-empty topic set connects automatically. Its one real
// job is resuming after the manager gave up and went to Failed.
func (b *Bridge) Connect() {
	b.mustBeActive()
	b.manager.Connect()
}

// Disconnect drops the connection and cancels any pending retry. Desired
// topics are kept, so a later Connect resumes where things left off.
func (b *Bridge) Disconnect() {
	b.mustBeActive()
	b.manager.Disconnect()
}

// State returns the connection lifecycle phase.
func (b *Bridge) State() conn.State {
	return b.manager.State()
}

// Connected reports whether the connection is currently established.
func (b *Bridge) Connected() bool {
	return b.manager.State() == conn.Connected
}

// Last returns the most recent message received on any topic.
func (b *Bridge) Last() (router.Message, bool) {
	return b.router.Last()
}

// LastMessage returns the most recent message on one topic.
func (b *Bridge) LastMessage(t topics.Topic) (router.Message, bool) {
	return b.router.LastMessage(t)
}

// OnStateChange registers fn for connection state transitions; the
// returned function unregisters it.
func (b *Bridge) OnStateChange(fn func(conn.State)) func() {
	return b.manager.OnStateChange(fn)
}

// Stats returns the dispatch and connection counters.
func (b *Bridge) Stats() Stats {
	return Stats{Router: b.router.Stats(), Conn: b.manager.Stats()}
}

// Subscribe registers a consumer's interest in a set of topics and returns
// its view of the shared connection. Calling it again with the same
// consumer name replaces that consumer's set. An empty name mints a UUID
// identity. Panics with ErrOutOfScope unless the bridge is active.
func (b *Bridge) Subscribe(consumer string, tt ...topics.Topic) *Subscription {
	b.mustBeActive()
	if consumer == "" {
		consumer = uuid.NewString()
	}

	s := &Subscription{
		bridge:   b,
		consumer: consumer,
		handle:   b.registry.Subscribe(consumer, tt...),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bridge) mustBeActive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.closed {
		panic(ErrOutOfScope)
	}
}

func (b *Bridge) removeSub(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's window onto the bridge: connection
// observables, the message cache, and per-topic listeners. Release it when
// the owning surface goes away.
type Subscription struct {
	bridge   *Bridge
	consumer string
	handle   topics.Handle

	mu       sync.Mutex
	released bool
	stops    []func()
}

// Consumer returns the identity this subscription registered under.
func (s *Subscription) Consumer() string {
	return s.consumer
}

// Connected reports whether the shared connection is established.
func (s *Subscription) Connected() bool {
	return s.bridge.Connected()
}

// State returns the shared connection's lifecycle phase.
func (s *Subscription) State() conn.State {
	return s.bridge.State()
}

// LastMessage returns the most recent message on one topic. The cache is
// shared across consumers and survives reconnects.
func (s *Subscription) LastMessage(t topics.Topic) (router.Message, bool) {
	return s.bridge.LastMessage(t)
}

// Last returns the most recent message on any topic.
func (s *Subscription) Last() (router.Message, bool) {
	return s.bridge.Last()
}

// OnMessage registers fn for every message on t and returns a stop
// function. Listeners are torn down with the subscription, so a surface
// only has to call Release. Panics with ErrOutOfScope once released.
func (s *Subscription) OnMessage(t topics.Topic, fn func(router.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic(fmt.Errorf("%w: subscription already released", ErrOutOfScope))
	}
	stop := s.bridge.router.OnMessage(t, fn)
	s.stops = append(s.stops, stop)
	return stop
}

// Release withdraws exactly this consumer's topic interest and stops its
// listeners. Other consumers' subscriptions are untouched. Idempotent.
func (s *Subscription) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	s.bridge.registry.Unsubscribe(s.handle)
	s.bridge.removeSub(s)
}
