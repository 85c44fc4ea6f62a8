// Package middleware provides composable middleware for task execution.
// Middleware wraps handler calls synchronously and can modify execution
// (inject tenant identity, log, record metrics, etc.).
package middleware

import (
	"context"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/worker"
)

// Exec is the terminal function that executes task logic.
type Exec func(ctx context.Context) ([]byte, error)

// Middleware wraps an Exec with cross-cutting logic. It receives the current
// context, the task being executed, and the next function to call.
// Middleware MUST call next to continue the chain (unless short-circuiting
// on error).
type Middleware func(ctx context.Context, t *task.Task, next Exec) ([]byte, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the list is
// the outermost wrapper.
//
// Example: Chain(logging, tenant, metrics) executes as:
//
//	logging → tenant → metrics → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *task.Task, next Exec) ([]byte, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) ([]byte, error) {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap applies a middleware chain around a worker handler.
func Wrap(h worker.Handler, mws ...Middleware) worker.Handler {
	if len(mws) == 0 {
		return h
	}
	chain := Chain(mws...)
	return func(ctx context.Context, t *task.Task) ([]byte, error) {
		return chain(ctx, t, func(ctx context.Context) ([]byte, error) {
			return h(ctx, t)
		})
	}
}
