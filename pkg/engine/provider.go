package engine

import (
	"context"
)

// RunContext is a runtime handle (an authenticated client, a connection pool)
// handed to a handler. Each worker owns its own RunContext per provider, so
// implementations do not need to be safe for concurrent use.
// If a RunContext implements io.Closer it is closed when its worker exits.
type RunContext interface{}

// ContextProvider creates run contexts for the handlers it backs.
type ContextProvider interface {
	// Name identifies the provider; it keys the per-worker context cache.
	Name() string

	// NewContext creates a fresh run context. It is called lazily, at most
	// once per worker and pass.
	NewContext(ctx context.Context) (RunContext, error)
}

// Handler performs and reverses the action of one node.
type Handler interface {
	// Perform executes the forward action.
	Perform(ctx context.Context, rc RunContext) error

	// Reverse undoes the forward action. It must be safe to call even if
	// Perform never fully completed.
	Reverse(ctx context.Context, rc RunContext) error
}

// HandlerFactory constructs the handler for an item.
type HandlerFactory func(item Item, retry RetryPolicy) (Handler, error)

// HandlerFuncs adapts two functions to the Handler interface.
type HandlerFuncs struct {
	PerformFunc func(ctx context.Context, rc RunContext) error
	ReverseFunc func(ctx context.Context, rc RunContext) error
}

// Perform calls PerformFunc if set.
func (h HandlerFuncs) Perform(ctx context.Context, rc RunContext) error {
	if h.PerformFunc == nil {
		return nil
	}
	return h.PerformFunc(ctx, rc)
}

// Reverse calls ReverseFunc if set.
func (h HandlerFuncs) Reverse(ctx context.Context, rc RunContext) error {
	if h.ReverseFunc == nil {
		return nil
	}
	return h.ReverseFunc(ctx, rc)
}

// StaticProvider is a ContextProvider that hands out the result of a constructor.
type StaticProvider struct {
	ProviderName string
	New          func(ctx context.Context) (RunContext, error)
}

// Name implements ContextProvider.
func (p StaticProvider) Name() string {
	return p.ProviderName
}

// NewContext implements ContextProvider.
func (p StaticProvider) NewContext(ctx context.Context) (RunContext, error) {
	if p.New == nil {
		return nil, nil
	}
	return p.New(ctx)
}
