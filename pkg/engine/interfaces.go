package engine

import (
	"context"
	"time"
)

// ResourceCache is the authoritative latest-known view of primary resources.
// The processor reads from it to decide whether a dispatch is meaningful and
// to build the ExecutionScope.
type ResourceCache interface {
	Get(id ResourceID) (Resource, bool)
}

// Dispatcher wraps the reconciliation business logic.
//
// HandleExecution must report failures through the returned control rather
// than by panicking; the processor still recovers panics and treats them as
// failures.
type Dispatcher interface {
	HandleExecution(ctx context.Context, scope ExecutionScope) PostExecutionControl
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, scope ExecutionScope) PostExecutionControl

// HandleExecution calls f(ctx, scope).
func (f DispatcherFunc) HandleExecution(ctx context.Context, scope ExecutionScope) PostExecutionControl {
	return f(ctx, scope)
}

// Timer schedules single-shot re-triggers per resource identity. A new
// schedule for an identity replaces any pending one.
type Timer interface {
	ScheduleOnce(id ResourceID, delay time.Duration)
	CancelOnceSchedule(id ResourceID)
}

// CleanupHook is notified when the processor forgets a deleted resource.
// It is called with the processor lock held and must not call back into the
// processor synchronously.
type CleanupHook interface {
	CleanupForResource(id ResourceID)
}

// Journal persists a summary of each finished dispatch.
type Journal interface {
	RecordDispatch(ctx context.Context, record DispatchRecord) error
}
