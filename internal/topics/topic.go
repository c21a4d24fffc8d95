package topics

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// Topic identifies a class of events carried over the sync connection,
// e.g. "tasks" or "calendar". Topics are opaque values: equality is exact
// string match and no hierarchy is implied by punctuation.
type Topic string

// ErrInvalidTopic is returned when a topic name fails validation.
var ErrInvalidTopic = errors.New("topic must be lowercase with optional underscores or dots, e.g. 'tasks' or 'calendar.events'")

var topicNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)

// String returns the topic as a plain string.
func (t Topic) String() string {
	return string(t)
}

// Validate checks that the topic is non-empty and uses the conventional
// lowercase form. Validation is opt-in: inbound frames are never rejected
// on topic shape alone.
func (t Topic) Validate() error {
	if !topicNameRegex.MatchString(string(t)) {
		return ErrInvalidTopic
	}
	return nil
}

// Set is an unordered collection of unique topics.
type Set map[Topic]struct{}

// NewSet builds a Set from the given topics, dropping duplicates.
func NewSet(tt ...Topic) Set {
	s := make(Set, len(tt))
	for _, t := range tt {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether t is in the set.
func (s Set) Contains(t Topic) bool {
	_, ok := s[t]
	return ok
}

// Equal reports whether both sets hold exactly the same topics.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for t := range s {
		if _, ok := other[t]; !ok {
			return false
		}
	}
	return true
}

// Union returns a new set holding every topic from s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the topics in lexical order. Wire frames and log lines use
// this so repeated snapshots of the same set produce identical bytes.
func (s Set) Sorted() []Topic {
	out := make([]Topic, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set like "{calendar tasks}" for logging.
func (s Set) String() string {
	names := make([]string, 0, len(s))
	for _, t := range s.Sorted() {
		names = append(names, string(t))
	}
	return "{" + strings.Join(names, " ") + "}"
}
