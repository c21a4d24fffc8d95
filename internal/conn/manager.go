// Package conn owns the application's single transport connection. The
// Manager runs a reconnect-with-backoff state machine and replays the
// registry's full desired topic set on every transition into Connected, so
// correctness never depends on what the backend remembered from a prior
// session.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/transport"
	"github.com/nfrund/remora/internal/wire"
)

// TopicSource yields the desired topic set. The Manager reads it at send
// time so every subscribe frame reflects the registry at that instant,
// never a stale snapshot.
type TopicSource interface {
	CurrentTopics() topics.Set
}

// Stats counts manager activity that is not visible through State.
type Stats struct {
	// SuppressedSends is how many outbound frames were dropped because the
	// connection was not in Connected. Sending while down is a no-op by
	// contract, never a fault.
	SuppressedSends uint64
}

// Manager drives one connection through the
// disconnected/connecting/connected/reconnecting/failed lifecycle. All
// internal state is owned by a single run-loop goroutine; transport reads,
// timer fires, and consumer calls are funneled into it as events and
// commands. Events are tagged with a connection epoch so anything stale
// (a late timer, a read from a superseded connection) is discarded instead
// of resurrecting a torn-down session.
type Manager struct {
	cfg    Config
	dialer transport.Dialer
	source TopicSource
	clk    clock.Clock
	logger *slog.Logger
	sink   func([]byte)

	events   chan event
	commands chan command
	done     chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	started    atomic.Bool
	stopOnce   sync.Once

	state         atomic.Int32
	suppressed    atomic.Uint64
	notifyPending atomic.Bool

	// Run-loop-owned; never touched from outside the loop.
	cur        transport.Conn
	epoch      uint64
	failures   int
	backoff    time.Duration
	retryTimer *clock.Timer
	pingTimer  *clock.Timer
	lastSent   topics.Set
	dialCancel context.CancelFunc

	watchMu  sync.Mutex
	watchers map[int]func(State)
	watchSeq int
}

type eventKind int

const (
	evDialOK eventKind = iota
	evDialFail
	evConnLost
	evFrame
	evRetryDue
	evPingDue
	evPingOK
)

type event struct {
	kind  eventKind
	epoch uint64
	conn  transport.Conn
	data  []byte
	err   error
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdTopicsChanged
	cmdSend
)

type command struct {
	kind  cmdKind
	data  []byte
	reply chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock driving retry and keepalive timers. Tests
// pass a fake to advance time deterministically.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithFrameSink registers the function given every inbound frame. It runs
// on the manager's loop, so frames for one connection arrive in transport
// order.
func WithFrameSink(sink func([]byte)) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager builds a Manager around a dialer and a desired-set source.
// Call Start before anything else.
func NewManager(cfg Config, dialer transport.Dialer, source TopicSource, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		source:   source,
		clk:      clock.Real(),
		logger:   slog.Default().With("component", "conn"),
		events:   make(chan event),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
		watchers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.backoff = m.cfg.InitialBackoff
	return m
}

// Start launches the run loop. ctx bounds the whole session: cancelling it
// has the same effect as Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("conn: manager already started")
	}
	m.rootCtx, m.rootCancel = context.WithCancel(ctx)
	go m.run()
	return nil
}

// Shutdown disconnects, stops the run loop, and waits for it to exit.
// Idempotent; a Manager cannot be restarted.
func (m *Manager) Shutdown() {
	if !m.started.Load() {
		return
	}
	m.stopOnce.Do(func() {
		m.rootCancel()
		<-m.done
	})
}

// State returns the current lifecycle phase. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns activity counters. Safe from any goroutine.
func (m *Manager) Stats() Stats {
	return Stats{SuppressedSends: m.suppressed.Load()}
}

// Connect requests a connection. It is a no-op while one is already being
// attempted or established; from Failed it resets the failure budget and
// tries again.
func (m *Manager) Connect() {
	m.enqueueCommand(command{kind: cmdConnect})
}

// Disconnect tears the session down: the transport closes, any pending
// retry is cancelled, and the state is Disconnected by the time this
// returns. No transition fires afterwards; a timer racing this call loses.
// Do not call it from inside a state or frame callback; those run on the
// loop this blocks on.
func (m *Manager) Disconnect() {
	reply := make(chan struct{})
	select {
	case m.commands <- command{kind: cmdDisconnect, reply: reply}:
	case <-m.done:
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

// Send writes one frame to the backend. While not Connected it does
// nothing except count the suppression; callers never need to guard it.
func (m *Manager) Send(data []byte) {
	m.enqueueCommand(command{kind: cmdSend, data: data})
}

// NotifyTopicsChanged tells the manager the desired set changed. While
// Connected it sends a fresh subscribe frame (unless the set matches the
// last one sent); while down it starts a connection if the set is
// non-empty, except from Failed which requires an explicit Connect.
// Multiple notifications coalesce: the loop always reads the latest set.
func (m *Manager) NotifyTopicsChanged() {
	if !m.notifyPending.CompareAndSwap(false, true) {
		return
	}
	m.enqueueCommand(command{kind: cmdTopicsChanged})
}

// OnStateChange registers fn for every state transition. fn runs on the
// manager's loop; keep it fast and do not call Disconnect from it. The
// returned function unregisters.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.watchMu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

func (m *Manager) enqueueCommand(cmd command) {
	select {
	case m.commands <- cmd:
	case <-m.done:
	}
}

func (m *Manager) enqueueEvent(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.rootCtx.Done():
			m.teardown("shutting down")
			return
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		m.handleConnect()
	case cmdDisconnect:
		m.teardown("client disconnect")
		close(cmd.reply)
	case cmdTopicsChanged:
		m.notifyPending.Store(false)
		m.handleTopicsChanged()
	case cmdSend:
		m.handleSend(cmd.data)
	}
}

func (m *Manager) handleEvent(ev event) {
	if ev.epoch != m.epoch {
		if ev.kind == evDialOK && ev.conn != nil {
			// A dial that lost the race with Disconnect: close it before it
			// leaks.
			_ = ev.conn.Close("superseded")
		}
		m.logger.Debug("stale event discarded", "kind", ev.kind, "epoch", ev.epoch, "current", m.epoch)
		return
	}

	switch ev.kind {
	case evDialOK:
		m.handleDialOK(ev.conn)
	case evDialFail:
		m.handleDialFail(ev.err)
	case evConnLost:
		m.handleLoss(ev.err)
	case evFrame:
		if m.sink != nil {
			m.sink(ev.data)
		}
	case evRetryDue:
		if m.State() == Reconnecting {
			m.transition(Connecting)
			m.beginDial()
		}
	case evPingDue:
		m.beginPing()
	case evPingOK:
		m.armKeepalive()
	}
}

func (m *Manager) handleConnect() {
	switch m.State() {
	case Connecting, Connected, Reconnecting:
		// One physical connection per manager; a second request is a no-op.
		m.logger.Debug("connect ignored, session already active", "state", m.State())
		return
	case Failed:
		m.failures = 0
		m.backoff = m.cfg.InitialBackoff
	}
	m.transition(Connecting)
	m.beginDial()
}

func (m *Manager) handleTopicsChanged() {
	switch m.State() {
	case Connected:
		m.sendSubscribe("topics changed")
	case Disconnected:
		if len(m.source.CurrentTopics()) > 0 {
			m.transition(Connecting)
			m.beginDial()
		}
	case Failed:
		// Only an explicit Connect resurrects a failed session.
		m.logger.Debug("topic change ignored in failed state")
	default:
		// Connecting or Reconnecting: the frame sent on the next Connected
		// transition reads the registry fresh, so there is nothing to do.
	}
}

func (m *Manager) handleSend(data []byte) {
	if m.State() != Connected {
		m.suppressed.Add(1)
		m.logger.Debug("send suppressed, not connected", "state", m.State(), "bytes", len(data))
		return
	}
	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.SendTimeout)
	err := m.cur.Send(ctx, data)
	cancel()
	if err != nil {
		m.handleLoss(fmt.Errorf("send: %w", err))
	}
}

func (m *Manager) beginDial() {
	m.epoch++
	epoch := m.epoch

	ctx, cancel := context.WithCancel(m.rootCtx)
	m.dialCancel = cancel

	go func() {
		c, err := m.dialer.Dial(ctx)
		if err != nil {
			m.enqueueEvent(event{kind: evDialFail, epoch: epoch, err: err})
			return
		}
		m.enqueueEvent(event{kind: evDialOK, epoch: epoch, conn: c})
	}()
}

func (m *Manager) handleDialOK(c transport.Conn) {
	m.clearDialCancel()
	m.cur = c
	m.failures = 0
	m.backoff = m.cfg.InitialBackoff
	m.transition(Connected)
	m.logger.Info("connection established")

	m.sendSubscribe("connected")
	if m.State() != Connected {
		// The subscribe write already failed and tore the session down.
		return
	}

	epoch := m.epoch
	go m.readPump(epoch, c)
	m.armKeepalive()
}

func (m *Manager) handleDialFail(err error) {
	m.clearDialCancel()
	m.failures++
	if m.failures >= m.cfg.MaxFailures {
		m.transition(Failed)
		m.logger.Error("giving up after consecutive connection failures",
			"failures", m.failures, "error", err)
		return
	}
	m.transition(Reconnecting)
	m.scheduleRetry(err)
}

func (m *Manager) handleLoss(err error) {
	// Bump the epoch first: the dead session's read pump and any in-flight
	// ping will still report, and those reports must land stale.
	m.epoch++
	if m.cur != nil {
		_ = m.cur.Close("connection lost")
		m.cur = nil
	}
	m.stopPing()
	m.lastSent = nil
	m.logger.Warn("connection lost", "error", err)
	m.transition(Reconnecting)
	m.scheduleRetry(err)
}

// scheduleRetry arms the retry timer at the current backoff delay, then
// grows the delay for the next failure. The delay sequence is
// non-decreasing up to MaxBackoff and resets only on a fresh Connected
// transition.
func (m *Manager) scheduleRetry(cause error) {
	delay := m.backoff
	next := time.Duration(float64(m.backoff) * m.cfg.BackoffFactor)
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	m.backoff = next

	epoch := m.epoch
	m.retryTimer = m.clk.AfterFunc(delay, func() {
		m.enqueueEvent(event{kind: evRetryDue, epoch: epoch})
	})
	m.logger.Warn("retry scheduled", "delay", delay, "failures", m.failures, "cause", cause)
}

func (m *Manager) sendSubscribe(reason string) {
	set := m.source.CurrentTopics()
	if m.lastSent != nil && set.Equal(m.lastSent) {
		m.logger.Debug("subscribe frame skipped, set unchanged", "topics", set.String())
		return
	}

	data, err := wire.EncodeSubscribe(set)
	if err != nil {
		m.logger.Error("encode subscribe frame", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.SendTimeout)
	err = m.cur.Send(ctx, data)
	cancel()
	if err != nil {
		m.handleLoss(fmt.Errorf("send subscribe: %w", err))
		return
	}
	m.lastSent = set
	m.logger.Info("subscribe frame sent", "topics", set.String(), "reason", reason)
}

func (m *Manager) readPump(epoch uint64, c transport.Conn) {
	for {
		data, err := c.Read(m.rootCtx)
		if err != nil {
			m.enqueueEvent(event{kind: evConnLost, epoch: epoch, err: err})
			return
		}
		m.enqueueEvent(event{kind: evFrame, epoch: epoch, data: data})
	}
}

func (m *Manager) armKeepalive() {
	if m.cfg.KeepaliveInterval <= 0 {
		return
	}
	epoch := m.epoch
	m.pingTimer = m.clk.AfterFunc(m.cfg.KeepaliveInterval, func() {
		m.enqueueEvent(event{kind: evPingDue, epoch: epoch})
	})
}

func (m *Manager) beginPing() {
	if m.State() != Connected || m.cur == nil {
		return
	}
	epoch := m.epoch
	c := m.cur
	go func() {
		ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.SendTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			m.enqueueEvent(event{kind: evConnLost, epoch: epoch, err: fmt.Errorf("keepalive: %w", err)})
			return
		}
		m.enqueueEvent(event{kind: evPingOK, epoch: epoch})
	}()
}

func (m *Manager) stopPing() {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) clearDialCancel() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

// teardown closes everything and bumps the epoch so events already in
// flight are discarded when they arrive.
func (m *Manager) teardown(reason string) {
	m.epoch++
	m.stopRetry()
	m.stopPing()
	m.clearDialCancel()
	if m.cur != nil {
		_ = m.cur.Close(reason)
		m.cur = nil
	}
	m.lastSent = nil
	m.failures = 0
	m.backoff = m.cfg.InitialBackoff
	m.transition(Disconnected)
}

func (m *Manager) transition(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	m.logger.Info("connection state changed", "from", prev, "to", next)

	m.watchMu.Lock()
	fns := make([]func(State), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
