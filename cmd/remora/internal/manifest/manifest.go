// Package manifest reads the topics manifest shared by "topics gen" and
// "topics vet": a JSON list of every topic name a project has declared.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nfrund/remora/internal/topics"
)

// Topic is one declared topic.
type Topic struct {
	Name string `json:"name"`
	Doc  string `json:"doc,omitempty"`
}

// Manifest is the topics file: the full list of names a project may
// subscribe to, plus the package the generated constants land in.
type Manifest struct {
	Package string  `json:"package,omitempty"`
	Topics  []Topic `json:"topics"`
}

// Load reads and checks a manifest. Every name must be a usable topic
// and appear exactly once.
func Load(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Topics) == 0 {
		return nil, errors.New("manifest declares no topics")
	}

	seen := make(map[string]struct{}, len(m.Topics))
	for _, t := range m.Topics {
		if err := topics.Topic(t.Name).Validate(); err != nil {
			return nil, fmt.Errorf("manifest topic %q: %w", t.Name, err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("manifest topic %q declared twice", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return &m, nil
}

// Names returns the declared set for membership checks.
func (m *Manifest) Names() map[string]struct{} {
	out := make(map[string]struct{}, len(m.Topics))
	for _, t := range m.Topics {
		out[t.Name] = struct{}{}
	}
	return out
}

// Identifier derives the Go constant name for a topic:
// "calendar.events" becomes "TopicCalendarEvents".
func Identifier(name string) string {
	caser := cases.Title(language.English)

	var b strings.Builder
	b.WriteString("Topic")
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '.' || r == '_' }) {
		b.WriteString(caser.String(part))
	}
	return b.String()
}
