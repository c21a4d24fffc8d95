package topics

import (
	"log/slog"
	"sync"
)

// Registry tracks which topics are currently wanted by any active consumer.
// Interest is reference counted per topic: a topic stays in the desired set
// until the last consumer that asked for it lets go.
//
// The registry performs no I/O of its own. The connection manager observes
// it through OnChange and owns the wire traffic that results.
type Registry struct {
	mu        sync.Mutex
	consumers map[string]*subscription
	counts    map[Topic]int
	gen       uint64

	watchMu  sync.Mutex
	watchers map[int]func(Set)
	watchSeq int

	logger *slog.Logger
}

type subscription struct {
	topics Set
	gen    uint64
}

// Handle identifies one consumer's current subscription. A later Subscribe
// call for the same consumer supersedes the handle; unsubscribing a
// superseded or already-released handle is a no-op.
type Handle struct {
	consumer string
	gen      uint64
}

// Consumer returns the consumer identity the handle was issued to.
func (h Handle) Consumer() string {
	return h.consumer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		consumers: make(map[string]*subscription),
		counts:    make(map[Topic]int),
		watchers:  make(map[int]func(Set)),
		logger:    slog.Default().With("component", "topics"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe records the full topic set wanted by consumer, replacing any set
// a prior call registered under the same identity. An empty topic set is
// valid and equivalent to no interest: it leaves no entry behind. The
// returned handle releases exactly this contribution when passed to
// Unsubscribe.
func (r *Registry) Subscribe(consumer string, tt ...Topic) Handle {
	next := NewSet(tt...)

	r.mu.Lock()
	r.gen++
	h := Handle{consumer: consumer, gen: r.gen}

	before := r.snapshotLocked()
	if prev, ok := r.consumers[consumer]; ok {
		r.releaseLocked(prev.topics)
	}
	if len(next) == 0 {
		delete(r.consumers, consumer)
	} else {
		r.acquireLocked(next)
		r.consumers[consumer] = &subscription{topics: next, gen: r.gen}
	}
	after := r.snapshotLocked()
	r.mu.Unlock()

	r.notifyIfChanged(before, after)
	return h
}

// Unsubscribe releases the contribution registered under h. The desired set
// shrinks only for topics no other consumer still wants.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	sub, ok := r.consumers[h.consumer]
	if !ok || sub.gen != h.gen {
		r.mu.Unlock()
		return
	}
	before := r.snapshotLocked()
	r.releaseLocked(sub.topics)
	delete(r.consumers, h.consumer)
	after := r.snapshotLocked()
	r.mu.Unlock()

	r.notifyIfChanged(before, after)
}

// CurrentTopics returns the desired set: the union of every live
// subscription's topics. The caller owns the returned copy.
func (r *Registry) CurrentTopics() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Wants reports whether at least one live consumer is interested in t.
func (r *Registry) Wants(t Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t] > 0
}

// Consumers returns the number of live subscriptions.
func (r *Registry) Consumers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// OnChange registers fn to run whenever a mutation actually changes the
// desired set; mutations that leave the set identical do not fire. fn runs
// synchronously on the mutating call, outside the registry's locks, with its
// own copy of the new set. The payload is the set as of that mutation;
// readers that need the latest state should call CurrentTopics instead.
// The returned function unregisters fn.
func (r *Registry) OnChange(fn func(Set)) func() {
	r.watchMu.Lock()
	r.watchSeq++
	id := r.watchSeq
	r.watchers[id] = fn
	r.watchMu.Unlock()

	return func() {
		r.watchMu.Lock()
		delete(r.watchers, id)
		r.watchMu.Unlock()
	}
}

func (r *Registry) snapshotLocked() Set {
	out := make(Set, len(r.counts))
	for t, n := range r.counts {
		if n > 0 {
			out[t] = struct{}{}
		}
	}
	return out
}

func (r *Registry) acquireLocked(tt Set) {
	for t := range tt {
		r.counts[t]++
	}
}

func (r *Registry) releaseLocked(tt Set) {
	for t := range tt {
		r.counts[t]--
		if r.counts[t] <= 0 {
			delete(r.counts, t)
		}
	}
}

func (r *Registry) notifyIfChanged(before, after Set) {
	if before.Equal(after) {
		return
	}
	r.logger.Debug("desired topic set changed", "topics", after.String())

	r.watchMu.Lock()
	fns := make([]func(Set), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.watchMu.Unlock()

	for _, fn := range fns {
		fn(after.Clone())
	}
}
