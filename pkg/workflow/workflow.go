package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// ErrConcurrentExecution is returned when a reconcile or cleanup pass is
// requested for a primary that already has a pass running.
var ErrConcurrentExecution = engine.NewExecutionError("workflow pass already running for primary", nil).
	WithCode(engine.ErrCodeConcurrentExecution)

// DefaultName is used for workflows built without WithName.
const DefaultName = "workflow"

// Phase names a workflow pass.
type Phase string

const (
	PhaseReconcile Phase = "reconcile"
	PhaseCleanup   Phase = "cleanup"
)

// Workflow is a validated DAG of dependent resources. It is read-only after
// Build apart from the bookkeeping of running passes.
type Workflow struct {
	name        string
	parallelism int
	tel         *telemetry.Telemetry

	order       []*Node
	byName      map[string]*Node
	levels      [][]*Node
	topLevel    []*Node
	bottomLevel []*Node

	mu     sync.Mutex
	active map[engine.ResourceID]Phase
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithName names the workflow in logs, metrics and DOT output.
func WithName(name string) Option {
	return func(w *Workflow) {
		if name != "" {
			w.name = name
		}
	}
}

// WithParallelism bounds the number of nodes running at once. Values <= 0
// mean runtime.NumCPU().
func WithParallelism(n int) Option {
	return func(w *Workflow) {
		w.parallelism = n
	}
}

// WithTelemetry sets logging, metrics, tracing and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(w *Workflow) {
		if tel != nil {
			w.tel = tel
		}
	}
}

// Build validates specs and creates a Workflow. It fails with a configuration
// error on empty or duplicate names, unknown or self dependencies and cycles.
func Build(specs []DependentResourceSpec, opts ...Option) (*Workflow, error) {
	order, levels, err := buildGraph(specs)
	if err != nil {
		return nil, err
	}

	w := &Workflow{
		name:   DefaultName,
		tel:    telemetry.Noop(),
		order:  order,
		byName: make(map[string]*Node, len(order)),
		levels: levels,
		active: make(map[engine.ResourceID]Phase),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.parallelism <= 0 {
		w.parallelism = runtime.NumCPU()
	}

	for _, node := range order {
		w.byName[node.Name()] = node
		if len(node.dependsOn) == 0 {
			w.topLevel = append(w.topLevel, node)
		}
		if len(node.dependents) == 0 {
			w.bottomLevel = append(w.bottomLevel, node)
		}
	}

	return w, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Size returns the number of nodes.
func (w *Workflow) Size() int { return len(w.order) }

// Node returns the node with the given name.
func (w *Workflow) Node(name string) (*Node, bool) {
	n, ok := w.byName[name]
	return n, ok
}

// Order returns the nodes in topological order.
func (w *Workflow) Order() []*Node {
	return append([]*Node(nil), w.order...)
}

// Levels returns the level sets. Nodes within a level are independent.
func (w *Workflow) Levels() [][]*Node {
	out := make([][]*Node, len(w.levels))
	for i, l := range w.levels {
		out[i] = append([]*Node(nil), l...)
	}
	return out
}

// TopLevel returns the nodes without dependencies, where reconcile starts.
func (w *Workflow) TopLevel() []*Node {
	return append([]*Node(nil), w.topLevel...)
}

// BottomLevel returns the nodes without dependents, where cleanup starts.
func (w *Workflow) BottomLevel() []*Node {
	return append([]*Node(nil), w.bottomLevel...)
}

// HasCleaner reports whether any node needs explicit deletion when the
// primary goes away. Hosts use it to decide whether to finalize primaries.
func (w *Workflow) HasCleaner() bool {
	for _, n := range w.order {
		ops := n.Operations()
		if ops.Deletable() && !ops.GarbageCollected {
			return true
		}
	}
	return false
}

// Reconcile runs a reconcile pass for primary. Node failures are reported in
// the result; the error is non-nil only if the pass could not start.
func (w *Workflow) Reconcile(ctx context.Context, primary engine.Resource, wc *Context) (*Result, error) {
	release, err := w.acquire(primary, PhaseReconcile)
	if err != nil {
		return nil, err
	}
	defer release()

	return newReconcileExecutor(ctx, w, primary, wc).execute(), nil
}

// Cleanup runs a cleanup pass for primary in reverse dependency order.
func (w *Workflow) Cleanup(ctx context.Context, primary engine.Resource, wc *Context) (*Result, error) {
	release, err := w.acquire(primary, PhaseCleanup)
	if err != nil {
		return nil, err
	}
	defer release()

	return newCleanupExecutor(ctx, w, primary, wc).execute(), nil
}

// acquire marks a pass as running for primary. Reconcile and cleanup of the
// same primary are mutually exclusive.
func (w *Workflow) acquire(primary engine.Resource, phase Phase) (func(), error) {
	if primary == nil {
		return nil, engine.NewExecutionError("primary resource is nil", nil).
			WithOperation(string(phase))
	}

	id := primary.ResourceID()
	w.mu.Lock()
	defer w.mu.Unlock()

	if running, ok := w.active[id]; ok {
		return nil, fmt.Errorf("%w: %s running for %s", ErrConcurrentExecution, running, id)
	}
	w.active[id] = phase

	return func() {
		w.mu.Lock()
		delete(w.active, id)
		w.mu.Unlock()
	}, nil
}

// IsConcurrentExecution reports whether err came from the per-primary guard.
func IsConcurrentExecution(err error) bool {
	return errors.Is(err, ErrConcurrentExecution)
}
