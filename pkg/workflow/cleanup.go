package workflow

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// cleanupExecutor walks the workflow in reverse from the bottom-level nodes.
// A node is processed once all its dependents are deleted with their delete
// postcondition met.
type cleanupExecutor struct {
	*pass

	started map[string]bool
}

func newCleanupExecutor(ctx context.Context, wf *Workflow, primary engine.Resource, wc *Context) *cleanupExecutor {
	return &cleanupExecutor{
		pass:    newPass(ctx, wf, PhaseCleanup, primary, wc),
		started: make(map[string]bool),
	}
}

func (e *cleanupExecutor) execute() *Result {
	started := time.Now()

	e.mu.Lock()
	for _, node := range e.wf.bottomLevel {
		e.submitLocked(node)
	}
	e.mu.Unlock()

	return e.finish(started)
}

func (e *cleanupExecutor) submitLocked(node *Node) {
	if e.started[node.Name()] {
		return
	}
	e.started[node.Name()] = true

	ops := node.Operations()
	callDelete := ops.Deletable() && !ops.GarbageCollected
	e.spawnLocked(node, "delete", func(ctx context.Context) step {
		return e.deleteNode(ctx, node, callDelete)
	}, e.deleted)
}

// deleted is called with mu held once a delete task finished.
func (e *cleanupExecutor) deleted(node *Node, s step) {
	e.recordLocked(node, s.result)
	if s.result.Outcome != OutcomeDeleted || !s.result.PostconditionMet {
		return
	}

	for _, dep := range node.dependsOn {
		if e.eligibleLocked(dep) {
			e.submitLocked(dep)
		}
	}
}

func (e *cleanupExecutor) eligibleLocked(node *Node) bool {
	for _, dependent := range node.dependents {
		res, ok := e.doneLocked(dependent)
		if !ok || res.Outcome != OutcomeDeleted || !res.PostconditionMet {
			return false
		}
	}
	return true
}
