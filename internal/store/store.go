// Package store caches backend resource bodies keyed by path and drops
// them when bound topics receive events. Pushed payloads are treated as
// hints that cached data went stale, never as authoritative state: the
// next Get re-fetches from the backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nfrund/remora/internal/clock"
	"github.com/nfrund/remora/internal/router"
	"github.com/nfrund/remora/internal/topics"
)

// Listener is the subset of a bridge subscription the store attaches to.
type Listener interface {
	OnMessage(t topics.Topic, fn func(router.Message)) func()
}

// Stats counts cache activity.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

// Store is a read-through cache over the backend's HTTP resources.
type Store struct {
	client *resty.Client
	clk    clock.Clock
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	bindings map[topics.Topic][]string

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

type entry struct {
	body      []byte
	fetchedAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets a maximum age for cached bodies. Zero means entries live
// until invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock injects the clock used for TTL checks.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clk = clk }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClient replaces the HTTP client, for tests and custom transports.
func WithClient(client *resty.Client) Option {
	return func(s *Store) { s.client = client }
}

// New builds a Store fetching from baseURL.
func New(baseURL string, opts ...Option) *Store {
	s := &Store{
		clk:      clock.Real(),
		logger:   slog.Default().With("component", "store"),
		entries:  make(map[string]entry),
		bindings: make(map[topics.Topic][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = resty.New().SetBaseURL(baseURL)
	}
	return s
}

// Get returns the cached body for path, fetching it first when the cache
// has no live entry. Concurrent misses on the same path may each fetch;
// the last response wins, which is harmless for idempotent reads.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	if e, ok := s.entries[path]; ok && s.fresh(e) {
		s.mu.Unlock()
		s.hits.Add(1)
		return append([]byte(nil), e.body...), nil
	}
	s.mu.Unlock()

	s.misses.Add(1)
	body, err := s.fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[path] = entry{body: body, fetchedAt: s.clk.Now()}
	s.mu.Unlock()

	return append([]byte(nil), body...), nil
}

func (s *Store) fresh(e entry) bool {
	if s.ttl <= 0 {
		return true
	}
	return s.clk.Now().Sub(e.fetchedAt) < s.ttl
}

func (s *Store) fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("store: fetch %s: unexpected status %s", path, resp.Status())
	}
	return resp.Body(), nil
}

// Invalidate drops the entries for the given paths; the next Get
// re-fetches them.
func (s *Store) Invalidate(paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if _, ok := s.entries[p]; ok {
			delete(s.entries, p)
			s.invalidations.Add(1)
		}
	}
}

// InvalidateTopic drops every entry bound to t.
func (s *Store) InvalidateTopic(t topics.Topic) {
	s.mu.Lock()
	paths := append([]string(nil), s.bindings[t]...)
	s.mu.Unlock()
	if len(paths) == 0 {
		return
	}
	s.logger.Debug("invalidating resources for topic", "topic", t, "paths", len(paths))
	s.Invalidate(paths...)
}

// BindTopic declares which cached resources an event on t makes stale.
// Bind before AttachTo; later bindings only affect explicit
// InvalidateTopic calls.
func (s *Store) BindTopic(t topics.Topic, paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[t] = append(s.bindings[t], paths...)
}

// AttachTo registers an invalidation listener on l for every currently
// bound topic. The returned function detaches them all.
func (s *Store) AttachTo(l Listener) func() {
	s.mu.Lock()
	bound := make([]topics.Topic, 0, len(s.bindings))
	for t := range s.bindings {
		bound = append(bound, t)
	}
	s.mu.Unlock()

	stops := make([]func(), 0, len(bound))
	for _, t := range bound {
		t := t
		stops = append(stops, l.OnMessage(t, func(router.Message) {
			s.InvalidateTopic(t)
		}))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Stats returns cache counters. Safe from any goroutine.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Invalidations: s.invalidations.Load(),
	}
}
