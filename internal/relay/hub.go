package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/nfrund/remora/internal/topics"
	"github.com/nfrund/remora/internal/wire"
)

// sendBuffer is how many pending frames a client may accumulate before
// the hub considers it stuck and drops it.
const sendBuffer = 256

// ErrHubStopped is returned by hub queries once the run loop has exited.
var ErrHubStopped = errors.New("relay: hub is not running")

// client is one connected WebSocket peer as the hub sees it. The send
// channel is the only path frames take to reach it.
type client struct {
	id   string
	send chan []byte

	// Latest full desired set announced by the peer. Owned by the run
	// loop; the read pump forwards frames instead of touching it.
	wants topics.Set
}

// subscriber is the slice of the bus the hub needs.
type subscriber interface {
	Subscribe(ctx context.Context, t topics.Topic) (<-chan *message.Message, error)
}

// busEvent is one message lifted off a topic stream, ready to fan out.
type busEvent struct {
	topic   topics.Topic
	payload []byte
}

type clientFrame struct {
	c   *client
	set topics.Set
}

type countsReq struct {
	reply chan map[string]int
}

// Hub owns every connected client and the set of live bus
// subscriptions. All state is confined to the run loop; the channels
// are the only doors in.
type Hub struct {
	logger *slog.Logger
	bus    subscriber

	register   chan *client
	unregister chan *client
	frames     chan clientFrame
	events     chan busEvent
	counts     chan countsReq
	done       chan struct{}

	// Run-loop state.
	clients map[*client]struct{}
	feeds   map[topics.Topic]context.CancelFunc
}

// NewHub builds a hub over the given bus. Run must be called before any
// client is admitted.
func NewHub(bus subscriber, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		bus:        bus,
		register:   make(chan *client),
		unregister: make(chan *client),
		frames:     make(chan clientFrame),
		events:     make(chan busEvent, 64),
		counts:     make(chan countsReq),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		feeds:      make(map[topics.Topic]context.CancelFunc),
	}
}

// Run drives the hub until ctx is cancelled. Everything that mutates
// hub state happens on this goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for _, cancel := range h.feeds {
			cancel()
		}
		for c := range h.clients {
			close(c.send)
		}
	}()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("Client connected", "client_id", c.id, "total_clients", len(h.clients))

		case c := <-h.unregister:
			h.drop(ctx, c, "disconnected")

		case f := <-h.frames:
			if _, ok := h.clients[f.c]; !ok {
				continue
			}
			f.c.wants = f.set
			h.logger.Debug("Client replaced its topic set", "client_id", f.c.id, "topics", f.set)
			h.reconcile(ctx)

		case ev := <-h.events:
			h.fanout(ctx, ev)

		case req := <-h.counts:
			req.reply <- h.topicCounts()

		case <-ctx.Done():
			return
		}
	}
}

// drop removes a client and prunes topic streams nobody wants anymore.
// Calling it twice for the same client is a no-op.
func (h *Hub) drop(ctx context.Context, c *client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("Client removed", "client_id", c.id, "reason", reason, "total_clients", len(h.clients))
	h.reconcile(ctx)
}

// reconcile aligns live bus subscriptions with the union of every
// client's desired set: missing topics get a stream, orphaned streams
// are cancelled.
func (h *Hub) reconcile(ctx context.Context) {
	union := topics.Set{}
	for c := range h.clients {
		union = union.Union(c.wants)
	}

	for t := range union {
		if _, ok := h.feeds[t]; ok {
			continue
		}
		streamCtx, cancel := context.WithCancel(ctx)
		msgs, err := h.bus.Subscribe(streamCtx, t)
		if err != nil {
			cancel()
			h.logger.Error("Failed to subscribe to topic", "topic", t, "error", err)
			continue
		}
		h.feeds[t] = cancel
		go h.pump(t, msgs)
	}

	for t, cancel := range h.feeds {
		if union.Contains(t) {
			continue
		}
		cancel()
		delete(h.feeds, t)
	}
}

// pump lifts one topic's stream into the run loop. It exits when the
// stream closes, which happens when its subscription is cancelled.
func (h *Hub) pump(t topics.Topic, msgs <-chan *message.Message) {
	for msg := range msgs {
		select {
		case h.events <- busEvent{topic: t, payload: msg.Payload}:
			msg.Ack()
		case <-h.done:
			msg.Nack()
			return
		}
	}
}

// fanout delivers one event to every client whose latest set wants the
// topic. A client with a full send buffer is dropped on the spot rather
// than allowed to stall everyone else.
func (h *Hub) fanout(ctx context.Context, ev busEvent) {
	frame, err := wire.Event{Topic: ev.topic, Payload: ev.payload}.Encode()
	if err != nil {
		h.logger.Error("Failed to encode event frame", "topic", ev.topic, "error", err)
		return
	}

	for c := range h.clients {
		if !c.wants.Contains(ev.topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("Dropping slow client", "client_id", c.id, "topic", ev.topic)
			h.drop(ctx, c, "send buffer full")
		}
	}
}

func (h *Hub) topicCounts() map[string]int {
	out := make(map[string]int)
	for c := range h.clients {
		for t := range c.wants {
			out[t.String()]++
		}
	}
	return out
}

// TopicCounts reports how many clients currently want each topic. The
// run loop answers, so the snapshot is consistent.
func (h *Hub) TopicCounts(ctx context.Context) (map[string]int, error) {
	req := countsReq{reply: make(chan map[string]int, 1)}
	select {
	case h.counts <- req:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case counts := <-req.reply:
		return counts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// add admits a client. It reports false once the hub has stopped, so
// the caller can turn the connection away.
func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// remove retires a client. Safe to call after the hub has stopped.
func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// announce replaces a client's desired topic set.
func (h *Hub) announce(c *client, set topics.Set) {
	select {
	case h.frames <- clientFrame{c: c, set: set}:
	case <-h.done:
	}
}
