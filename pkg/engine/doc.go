// Package engine implements the per-resource reconciliation scheduler.
//
// An EventProcessor receives change events from any source, records them in a
// per-identity ResourceState and submits ExecutionScopes to a Dispatcher on a
// bounded worker pool. It guarantees at most one dispatch in flight per
// ResourceID and coalesces events arriving meanwhile into a single follow-up
// dispatch.
//
// When a dispatch finishes the processor inspects its PostExecutionControl:
//
//   - failure: the identity's RetryExecution yields the next backoff delay,
//     which is scheduled on the Timer, unless new events are already pending
//     or the attempt budget is spent;
//   - success: pending retries are cancelled and an optional reschedule is
//     registered.
//
// Afterwards the ResourceState decides what follows: cleanup for deleted
// resources, an immediate re-dispatch for pending events, or idle.
//
// The package also defines the classified EngineError used across converge.
package engine
