package workflow

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// reconcileExecutor walks the workflow from the top-level nodes. A node runs
// once every dependency is reconciled and ready. A node whose reconcile
// precondition is unmet is marked for delete together with all its transitive
// dependents; marked nodes are deleted in reverse order.
type reconcileExecutor struct {
	*pass

	reconciling map[string]bool
	marked      map[string]bool
	deleting    map[string]bool
}

func newReconcileExecutor(ctx context.Context, wf *Workflow, primary engine.Resource, wc *Context) *reconcileExecutor {
	return &reconcileExecutor{
		pass:        newPass(ctx, wf, PhaseReconcile, primary, wc),
		reconciling: make(map[string]bool),
		marked:      make(map[string]bool),
		deleting:    make(map[string]bool),
	}
}

func (e *reconcileExecutor) execute() *Result {
	started := time.Now()

	e.mu.Lock()
	for _, node := range e.wf.topLevel {
		e.submitReconcileLocked(node)
	}
	e.mu.Unlock()

	return e.finish(started)
}

func (e *reconcileExecutor) submitReconcileLocked(node *Node) {
	if e.reconciling[node.Name()] || e.marked[node.Name()] {
		return
	}
	e.reconciling[node.Name()] = true
	e.spawnLocked(node, "reconcile", func(ctx context.Context) step {
		return e.reconcileNode(ctx, node)
	}, e.reconciled)
}

func (e *reconcileExecutor) reconcileNode(ctx context.Context, node *Node) step {
	met, err := e.evaluate(ctx, node, node.spec.ReconcilePrecondition, "reconcile precondition")
	if err != nil {
		return step{result: NodeResult{Outcome: OutcomeErrored, Err: err}}
	}
	if !met {
		return step{markForDelete: true}
	}

	if err := node.Operations().Reconcile(ctx, e.primary, e.wc); err != nil {
		return step{result: NodeResult{Outcome: OutcomeErrored, Err: nodeError(node, "reconcile", err)}}
	}

	ready, err := e.evaluate(ctx, node, node.spec.ReadyPostcondition, "ready postcondition")
	if err != nil {
		return step{result: NodeResult{Outcome: OutcomeErrored, Err: err}}
	}
	if !ready {
		return step{result: NodeResult{Outcome: OutcomeNotReady, PostconditionMet: true}}
	}
	return step{result: NodeResult{Outcome: OutcomeReconciled, PostconditionMet: true}}
}

// reconciled is called with mu held once a reconcile task finished.
func (e *reconcileExecutor) reconciled(node *Node, s step) {
	if s.markForDelete {
		e.logger.WithNode(e.wf.name, node.Name()).Debug("Reconcile precondition not met, deleting")
		e.markForDeleteLocked(node)
		e.submitDeletesLocked()
		return
	}

	e.recordLocked(node, s.result)
	if s.result.Outcome != OutcomeReconciled {
		return
	}

	for _, dependent := range node.dependents {
		if e.eligibleLocked(dependent) {
			e.submitReconcileLocked(dependent)
		}
	}
}

// eligibleLocked reports whether every dependency of node is reconciled and ready.
func (e *reconcileExecutor) eligibleLocked(node *Node) bool {
	if e.marked[node.Name()] {
		return false
	}
	for _, dep := range node.dependsOn {
		res, ok := e.doneLocked(dep)
		if !ok || res.Outcome != OutcomeReconciled {
			return false
		}
	}
	return true
}

func (e *reconcileExecutor) markForDeleteLocked(node *Node) {
	if e.marked[node.Name()] {
		return
	}
	e.marked[node.Name()] = true
	for _, dependent := range node.dependents {
		e.markForDeleteLocked(dependent)
	}
}

// submitDeletesLocked starts the delete of every marked node whose marked
// dependents are all deleted with their delete postcondition met.
func (e *reconcileExecutor) submitDeletesLocked() {
	for i := len(e.wf.order) - 1; i >= 0; i-- {
		node := e.wf.order[i]
		if !e.marked[node.Name()] || e.deleting[node.Name()] {
			continue
		}
		if !e.dependentsDeletedLocked(node) {
			continue
		}

		e.deleting[node.Name()] = true
		n := node
		e.spawnLocked(n, "delete", func(ctx context.Context) step {
			// Ownership GC only applies once the primary is gone, so garbage
			// collected nodes are deleted explicitly here.
			return e.deleteNode(ctx, n, n.Operations().Deletable())
		}, e.deleted)
	}
}

func (e *reconcileExecutor) dependentsDeletedLocked(node *Node) bool {
	for _, dependent := range node.dependents {
		if !e.marked[dependent.Name()] {
			continue
		}
		res, ok := e.doneLocked(dependent)
		if !ok || res.Outcome != OutcomeDeleted || !res.PostconditionMet {
			return false
		}
	}
	return true
}

// deleted is called with mu held once a delete task finished.
func (e *reconcileExecutor) deleted(node *Node, s step) {
	e.recordLocked(node, s.result)
	if s.result.Outcome == OutcomeDeleted && s.result.PostconditionMet {
		e.submitDeletesLocked()
	}
}
