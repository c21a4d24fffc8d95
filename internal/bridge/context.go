package bridge

import "context"

// contextKey is unexported so only this package can attach a Bridge.
type contextKey struct{}

// NewContext returns a child context carrying b, for handing the scope
// down a call tree without a package-level global.
func NewContext(ctx context.Context, b *Bridge) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

// FromContext extracts the Bridge attached by NewContext. The error is
// ErrOutOfScope when none is attached.
func FromContext(ctx context.Context) (*Bridge, error) {
	b, ok := ctx.Value(contextKey{}).(*Bridge)
	if !ok {
		return nil, ErrOutOfScope
	}
	return b, nil
}

// MustFromContext is FromContext for call sites where a missing bridge is
// a wiring bug: it panics with ErrOutOfScope instead of returning it.
func MustFromContext(ctx context.Context) *Bridge {
	b, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return b
}
