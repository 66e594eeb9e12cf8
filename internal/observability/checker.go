package observability

import "context"

// Checker reports the health of one dependency for the readiness probe.
// Check must honour the context deadline.
type Checker interface {
	// Name identifies the component in the probe response (e.g. "postgres").
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckFunc adapts fn to a Checker named name.
func CheckFunc(name string, fn func(ctx context.Context) error) Checker {
	return checkFunc{name: name, fn: fn}
}
