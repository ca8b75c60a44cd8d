// Package workflow runs dependent resources of a primary in dependency order.
//
// A Workflow is built once from a list of DependentResourceSpec values,
// either directly with Build or through a Builder. Building validates names
// and edges and rejects cycles. Reconcile walks the graph from the nodes
// without dependencies; Cleanup walks it in reverse from the nodes without
// dependents. Independent branches run concurrently on a bounded pool and a
// failing node only stops its own branch.
//
// Node failures never escape a pass on their own. Callers inspect the Result
// and ask for an *AggregateError with Result.Err when failures should be fatal.
package workflow
