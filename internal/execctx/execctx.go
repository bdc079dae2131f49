// Package execctx carries per-call execution state to handler code
// without explicit parameter threading. The carrier is context.Context,
// so anything downstream of a handler can recover the execution id and
// the calling node's context, and concurrent calls never observe each
// other's state.
package execctx

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Info is the task-local state of one method execution.
type Info struct {
	// ExecutionID uniquely identifies this handler invocation.
	ExecutionID string

	// NodeID is the calling node's id.
	NodeID string

	// Context is a snapshot of the calling node's context map at
	// dispatch time. Mutating it does not write back to the node.
	Context map[string]any
}

// With returns a child context carrying info. An empty ExecutionID is
// filled with a fresh random id.
func With(parent context.Context, info Info) context.Context {
	if info.ExecutionID == "" {
		info.ExecutionID = uuid.NewString()
	}
	return context.WithValue(parent, ctxKey{}, info)
}

// From recovers the execution info, reporting false outside a call.
func From(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}
