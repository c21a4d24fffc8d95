package vet_test

import (
	"go/parser"
	"go/token"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/remora/cmd/remora/internal/vet"
)

func scan(t *testing.T, src string, declared ...string) []vet.Violation {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "example.go", src, 0)
	require.NoError(t, err)

	set := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		set[d] = struct{}{}
	}
	return vet.ScanFile(fset, file, set)
}

func TestScanFile(t *testing.T) {
	t.Run("flags undeclared topics but not consumer names", func(t *testing.T) {
		src := `package example

func run(b Bridge) {
	b.Subscribe("dashboard", "tasks", "ghost")
}`
		violations := scan(t, src, "tasks")
		require.Len(t, violations, 1)
		assert.Equal(t, "ghost", violations[0].Topic)
		assert.Equal(t, "Subscribe", violations[0].Call)
		assert.Equal(t, 4, violations[0].Position.Line)
	})

	t.Run("declared topics pass", func(t *testing.T) {
		src := `package example

func run(b Bridge) {
	b.Subscribe("ui", "tasks", "calendar")
}`
		assert.Empty(t, scan(t, src, "tasks", "calendar"))
	})

	t.Run("covers set builders and conversions", func(t *testing.T) {
		src := `package example

func run() {
	_ = topics.NewSet("tasks", "ghost")
	_ = topics.Topic("phantom")
}`
		violations := scan(t, src, "tasks")
		require.Len(t, violations, 2)
		assert.Equal(t, "ghost", violations[0].Topic)
		assert.Equal(t, "phantom", violations[1].Topic)
	})

	t.Run("checks only the topic argument of BindTopic", func(t *testing.T) {
		src := `package example

func run(s *store.Store) {
	s.BindTopic("ghost", "/api/tasks", "/api/summary")
}`
		violations := scan(t, src, "tasks")
		require.Len(t, violations, 1, "resource paths must not be mistaken for topics")
		assert.Equal(t, "ghost", violations[0].Topic)
		assert.Equal(t, "BindTopic", violations[0].Call)
	})

	t.Run("ignores unrelated calls", func(t *testing.T) {
		src := `package example

func run() {
	println("loose string")
}`
		assert.Empty(t, scan(t, src))
	})

	t.Run("cannot see topics built at runtime", func(t *testing.T) {
		src := `package example

func run(b Bridge, name string) {
	b.Subscribe("ui", name)
}`
		assert.Empty(t, scan(t, src))
	})
}
