// Package wire defines the two frames the sync client exchanges with its
// backend: the outbound subscribe frame carrying the full desired topic
// set, and the inbound event frame carrying one topic-scoped payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nfrund/remora/internal/topics"
)

// ErrDecode wraps every frame decoding failure. Callers drop the frame and
// count it; a malformed frame is never fatal.
var ErrDecode = errors.New("wire: undecodable frame")

// TypeSubscribe is the type tag of the subscribe frame.
const TypeSubscribe = "subscribe"

// SubscribeFrame replaces the backend's view of this client's interest.
// It always carries the full current topic set, never a delta, so the
// backend can rebuild its state from the latest frame alone.
type SubscribeFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// Event is one inbound update pushed by the backend. Payload stays raw:
// interpreting it belongs to whoever subscribed to the topic.
type Event struct {
	Topic   topics.Topic    `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeSubscribe renders the subscribe frame for the given set. Topics are
// sorted so identical sets always produce identical bytes.
func EncodeSubscribe(set topics.Set) ([]byte, error) {
	frame := SubscribeFrame{Type: TypeSubscribe, Topics: make([]string, 0, len(set))}
	for _, t := range set.Sorted() {
		frame.Topics = append(frame.Topics, string(t))
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode subscribe frame: %w", err)
	}
	return data, nil
}

// DecodeSubscribe parses a subscribe frame into a topic set. Frames of a
// different type, or that are not valid JSON, yield ErrDecode.
func DecodeSubscribe(raw []byte) (topics.Set, error) {
	var frame SubscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if frame.Type != TypeSubscribe {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrDecode, frame.Type)
	}
	set := make(topics.Set, len(frame.Topics))
	for _, t := range frame.Topics {
		set[topics.Topic(t)] = struct{}{}
	}
	return set, nil
}

// DecodeEvent parses an inbound event frame. A frame without a topic is
// undecodable; an unknown topic is not, since whether anyone wants it is
// the router's dispatch-time decision.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if ev.Topic == "" {
		return Event{}, fmt.Errorf("%w: missing topic", ErrDecode)
	}
	return ev, nil
}

// Encode renders the event frame.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event frame: %w", err)
	}
	return data, nil
}
