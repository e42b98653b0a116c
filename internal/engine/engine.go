package engine

import "context"

// Engine abstracts a specialized retrieval backend (vector search, graph
// traversal, SQL generation). The orchestrator only ever talks to engines
// through this interface; the concrete variant is selected by Kind.
type Engine interface {
	// Kind reports which retrieval backend this engine implements.
	Kind() Kind

	// Invoke answers req. Implementations must honour ctx cancellation.
	// A non-nil error means the call itself failed (transport, decoding);
	// engine-reported failures come back inside Result with a nil error.
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to the Engine interface.
type Func struct {
	K  Kind
	Fn func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Kind() Kind { return f.K }

func (f Func) Invoke(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}
