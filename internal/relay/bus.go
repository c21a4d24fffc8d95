// Package relay implements the development backend the sync client talks
// to: an Echo server that accepts WebSocket clients, an in-process
// Watermill bus that fans events out to them, and an optional fixture
// directory feed. It speaks exactly the two wire frames and nothing
// else; it is a test bench and demo target, not a product backend.
package relay

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/remora/internal/topics"
)

// metaKeyTopic carries the topic through watermill metadata so bus-level
// decorators can see it without parsing the payload.
const metaKeyTopic = "topic"

// Publisher is the write side of the relay bus. The HTTP publish handler
// and the feed watcher both go through it.
type Publisher interface {
	Publish(ctx context.Context, t topics.Topic, payload []byte) error
}

// Bus is the relay's in-process event fabric, one GoChannel underneath.
// Every event a client sees travels through here exactly once.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber
}

// NewBus builds the in-memory bus. A non-nil tracer wraps the publish
// side with the tracing decorator; nil leaves it bare.
func NewBus(tracer trace.Tracer) *Bus {
	logger := watermill.NewStdLogger(false, false)
	// GoChannel is a simple in-memory pub/sub implementation.
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{},
		logger,
	)

	var pub message.Publisher = goChannel
	if tracer != nil {
		pub = NewTracedPublisher(goChannel, tracer)
	}
	return &Bus{pub: pub, sub: goChannel}
}

// Publish pushes one event onto the bus. Each message gets a fresh UUID
// so duplicate payloads stay distinguishable downstream.
func (b *Bus) Publish(ctx context.Context, t topics.Topic, payload []byte) error {
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaKeyTopic, t.String())
	msg.SetContext(ctx)

	if err := b.pub.Publish(t.String(), msg); err != nil {
		return fmt.Errorf("publish to %q: %w", t, err)
	}
	return nil
}

// Subscribe opens a stream of messages for one topic. The stream closes
// when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, t topics.Topic) (<-chan *message.Message, error) {
	msgs, err := b.sub.Subscribe(ctx, t.String())
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", t, err)
	}
	return msgs, nil
}

// Close tears the bus down; all open subscriptions end.
func (b *Bus) Close() error {
	return b.sub.Close()
}
