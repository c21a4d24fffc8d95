// Package filter evaluates a Tengo expression against streamed events,
// deciding which ones the tail command prints.
package filter

import (
	"encoding/json"
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// Filter is one compiled expression. It is not safe for concurrent use;
// tail evaluates events one at a time.
type Filter struct {
	compiled *tengo.Compiled
}

// New compiles expr with "topic" (string) and "payload" (decoded JSON)
// in scope. Imports are limited to side-effect-free stdlib modules.
func New(expr string) (*Filter, error) {
	script := tengo.NewScript([]byte(fmt.Sprintf("ok := (%s)", expr)))
	script.SetImports(stdlib.GetModuleMap("text", "math", "times", "fmt", "json"))
	if err := script.Add("topic", ""); err != nil {
		return nil, fmt.Errorf("bind topic: %w", err)
	}
	if err := script.Add("payload", nil); err != nil {
		return nil, fmt.Errorf("bind payload: %w", err)
	}

	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return &Filter{compiled: compiled}, nil
}

// Keep reports whether the event passes the filter. A payload that is
// not valid JSON is exposed to the expression as a raw string, and an
// expression that fails at runtime keeps nothing.
func (f *Filter) Keep(topic string, payload []byte) bool {
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			decoded = string(payload)
		}
	}

	if err := f.compiled.Set("topic", topic); err != nil {
		return false
	}
	if err := f.compiled.Set("payload", decoded); err != nil {
		return false
	}
	if err := f.compiled.Run(); err != nil {
		return false
	}
	return f.compiled.Get("ok").Bool()
}
