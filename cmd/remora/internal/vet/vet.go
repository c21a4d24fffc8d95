// Package vet scans Go source for topic string literals that the
// manifest does not declare, so renames and typos surface before
// runtime.
package vet

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
)

// Violation is one undeclared topic literal.
type Violation struct {
	Topic    string
	Call     string
	Position token.Position
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: topic %q is not in the manifest (passed to %s)", v.Position, v.Topic, v.Call)
}

// argSpec locates the topic arguments of one call name. variadic means
// every argument from start on is a topic; otherwise only the argument
// at start is.
type argSpec struct {
	start    int
	variadic bool
}

// topicArgs maps subscribe-like call names to where their topics sit.
// Subscribe starts at 1 because its first argument names the consumer;
// BindTopic is not variadic because its trailing arguments are resource
// paths, not topics.
var topicArgs = map[string]argSpec{
	"Subscribe":       {start: 1, variadic: true},
	"NewSet":          {start: 0, variadic: true},
	"Topic":           {start: 0},
	"BindTopic":       {start: 0},
	"OnMessage":       {start: 0},
	"InvalidateTopic": {start: 0},
	"LastMessage":     {start: 0},
}

// ScanFile flags string literals passed as topics in file that declared
// does not contain. Only direct literals are checked; anything built at
// runtime is invisible here and stays on the caller's head.
func ScanFile(fset *token.FileSet, file *ast.File, declared map[string]struct{}) []Violation {
	var out []Violation

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		name := calleeName(call)
		spec, watched := topicArgs[name]
		if !watched {
			return true
		}

		for i, arg := range call.Args {
			if i < spec.start || (!spec.variadic && i > spec.start) {
				continue
			}
			lit, ok := arg.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			topic, err := strconv.Unquote(lit.Value)
			if err != nil {
				continue
			}
			if _, ok := declared[topic]; ok {
				continue
			}
			out = append(out, Violation{
				Topic:    topic,
				Call:     name,
				Position: fset.Position(lit.Pos()),
			})
		}
		return true
	})
	return out
}

// calleeName unwraps b.Subscribe(...) and Subscribe(...) to the bare
// name.
func calleeName(call *ast.CallExpr) string {
	switch fun := call.Fun.(type) {
	case *ast.SelectorExpr:
		return fun.Sel.Name
	case *ast.Ident:
		return fun.Name
	default:
		return ""
	}
}
