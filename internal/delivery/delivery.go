// Package delivery implements the ambient, copy-on-inherit delivery context
// (C8) that correlates a Telegram send across asynchronous continuations
// without resorting to module-global mutable state.
package delivery

import (
	"context"

	"github.com/google/uuid"
)

// Context is the request-scoped bundle of correlation identifiers that
// propagates across async suspension points.
type Context struct {
	DeliveryID string
	AccountID  string
	ChatID     string
	Operation  string
}

type contextKey struct{}

// RunWith binds ctx for the duration of fn. Nested calls shadow the outer
// binding for the lifetime of the inner fn only; the parent's context.Context
// value is untouched once fn returns, so concurrent goroutines started from
// the same parent each see an independent view.
func RunWith(ctx context.Context, dc Context, fn func(context.Context)) {
	fn(context.WithValue(ctx, contextKey{}, &dc))
}

// WithPartial inherits from the current delivery context (if any), overlays
// the non-zero fields of partial, assigns a fresh DeliveryID when none is
// supplied, and invokes fn with the derived context bound.
func WithPartial(ctx context.Context, partial Context, fn func(context.Context)) {
	merged := Current(ctx)
	if merged == nil {
		merged = &Context{}
	} else {
		copied := *merged
		merged = &copied
	}

	if partial.AccountID != "" {
		merged.AccountID = partial.AccountID
	}
	if partial.ChatID != "" {
		merged.ChatID = partial.ChatID
	}
	if partial.Operation != "" {
		merged.Operation = partial.Operation
	}
	if partial.DeliveryID != "" {
		merged.DeliveryID = partial.DeliveryID
	} else if merged.DeliveryID == "" {
		merged.DeliveryID = uuid.NewString()
	}

	fn(context.WithValue(ctx, contextKey{}, merged))
}

// Current returns the delivery context bound to ctx, or nil if none is bound.
func Current(ctx context.Context) *Context {
	dc, _ := ctx.Value(contextKey{}).(*Context)
	return dc
}
