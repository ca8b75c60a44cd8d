package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Outcome is the terminal state of a node in one pass.
type Outcome string

const (
	// OutcomeReconciled means reconcile succeeded and the node is ready.
	OutcomeReconciled Outcome = "reconciled"

	// OutcomeNotReady means reconcile succeeded but the ready postcondition
	// is not met. The node counts as reconciled; its dependents do not run.
	OutcomeNotReady Outcome = "not_ready"

	// OutcomeErrored means an operation or condition failed.
	OutcomeErrored Outcome = "errored"

	// OutcomeDeleted means the node went through deletion. Whether Delete was
	// actually called is recorded separately.
	OutcomeDeleted Outcome = "deleted"

	// OutcomeSkipped means the node never ran because a dependency (or, in
	// cleanup, a dependent) did not complete.
	OutcomeSkipped Outcome = "skipped"
)

// NodeResult is the outcome of one node.
type NodeResult struct {
	Outcome Outcome
	Err     error

	// DeleteCalled is set when the Delete operation was invoked.
	DeleteCalled bool

	// PostconditionMet is false when a delete postcondition was evaluated and
	// not met.
	PostconditionMet bool
}

// Result is the immutable outcome of a reconcile or cleanup pass.
type Result struct {
	workflow    string
	phase       Phase
	order       []*Node
	nodes       map[string]NodeResult
	interrupted error
}

// Workflow returns the name of the workflow that produced the result.
func (r *Result) Workflow() string { return r.workflow }

// Phase returns the pass that produced the result.
func (r *Result) Phase() Phase { return r.phase }

// Nodes returns the workflow nodes in topological order.
func (r *Result) Nodes() []*Node {
	return append([]*Node(nil), r.order...)
}

// Interrupted returns the context error that stopped the pass before every
// node could run, or nil.
func (r *Result) Interrupted() error { return r.interrupted }

// Node returns the result of a single node.
func (r *Result) Node(name string) (NodeResult, bool) {
	res, ok := r.nodes[name]
	return res, ok
}

// Reconciled lists reconciled nodes, including not-ready ones, in workflow order.
func (r *Result) Reconciled() []string {
	return r.filter(func(res NodeResult) bool {
		return res.Outcome == OutcomeReconciled || res.Outcome == OutcomeNotReady
	})
}

// NotReady lists nodes whose ready postcondition was not met.
func (r *Result) NotReady() []string {
	return r.filter(func(res NodeResult) bool { return res.Outcome == OutcomeNotReady })
}

// Deleted lists nodes that went through deletion.
func (r *Result) Deleted() []string {
	return r.filter(func(res NodeResult) bool { return res.Outcome == OutcomeDeleted })
}

// Skipped lists nodes that never ran.
func (r *Result) Skipped() []string {
	return r.filter(func(res NodeResult) bool { return res.Outcome == OutcomeSkipped })
}

// DeleteCalled lists nodes whose Delete operation was invoked.
func (r *Result) DeleteCalled() []string {
	return r.filter(func(res NodeResult) bool { return res.DeleteCalled })
}

// PostconditionNotMet lists deleted nodes whose delete postcondition is not met.
func (r *Result) PostconditionNotMet() []string {
	return r.filter(func(res NodeResult) bool {
		return res.Outcome == OutcomeDeleted && !res.PostconditionMet
	})
}

// Errored returns the cause of every errored node.
func (r *Result) Errored() map[string]error {
	out := make(map[string]error)
	for name, res := range r.nodes {
		if res.Outcome == OutcomeErrored {
			out[name] = res.Err
		}
	}
	return out
}

// HasErrors reports whether any node errored. An interrupted pass is
// reported by Interrupted and Err.
func (r *Result) HasErrors() bool {
	for _, res := range r.nodes {
		if res.Outcome == OutcomeErrored {
			return true
		}
	}
	return false
}

// AllPostconditionsMet reports whether a cleanup pass finished: every node
// was processed without error and no delete postcondition is pending.
func (r *Result) AllPostconditionsMet() bool {
	for _, res := range r.nodes {
		switch {
		case res.Outcome == OutcomeErrored, res.Outcome == OutcomeSkipped:
			return false
		case res.Outcome == OutcomeDeleted && !res.PostconditionMet:
			return false
		}
	}
	return true
}

// Err returns nil when the pass ran to completion without node errors.
// Otherwise it returns the *AggregateError of the errored nodes, an
// execution error wrapping the context error of an interrupted pass, or both
// joined.
func (r *Result) Err() error {
	var errs []error
	if agg := r.aggregate(); agg != nil {
		errs = append(errs, agg)
	}
	if r.interrupted != nil {
		errs = append(errs, engine.NewExecutionError(
			fmt.Sprintf("workflow %s %s pass interrupted", r.workflow, r.phase), r.interrupted,
		).WithCode(engine.ErrCodeInterrupted))
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

func (r *Result) aggregate() *AggregateError {
	if !r.HasErrors() {
		return nil
	}

	kindCount := make(map[string]int)
	for _, node := range r.order {
		if r.nodes[node.Name()].Outcome == OutcomeErrored {
			kindCount[node.Kind()]++
		}
	}

	agg := &AggregateError{Workflow: r.workflow, Errors: make(map[string]error)}
	kindIndex := make(map[string]int)
	for _, node := range r.order {
		res := r.nodes[node.Name()]
		if res.Outcome != OutcomeErrored {
			continue
		}
		key := node.Kind()
		if kindCount[key] > 1 {
			key = fmt.Sprintf("%s#%d", node.Kind(), kindIndex[node.Kind()])
			kindIndex[node.Kind()]++
		}
		agg.Errors[key] = res.Err
		agg.keys = append(agg.keys, key)
	}
	return agg
}

func (r *Result) filter(keep func(NodeResult) bool) []string {
	out := make([]string, 0)
	for _, node := range r.order {
		if keep(r.nodes[node.Name()]) {
			out = append(out, node.Name())
		}
	}
	return out
}

// Summary counts nodes per outcome.
func (r *Result) Summary() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, res := range r.nodes {
		out[res.Outcome]++
	}
	return out
}

// AggregateError collects the errors of one pass keyed by node kind. Kinds
// with more than one errored node get an index suffix: "kind#0", "kind#1".
type AggregateError struct {
	Workflow string
	Errors   map[string]error
	keys     []string
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	keys := e.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Errors[k]))
	}
	return fmt.Sprintf("workflow %s: %d dependent resource(s) failed: %s",
		e.Workflow, len(keys), strings.Join(parts, "; "))
}

// Keys returns the error keys in workflow order.
func (e *AggregateError) Keys() []string {
	if len(e.keys) == len(e.Errors) {
		return append([]string(nil), e.keys...)
	}
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Unwrap exposes the node errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	keys := e.Keys()
	out := make([]error, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.Errors[k])
	}
	return out
}
