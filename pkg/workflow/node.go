package workflow

import (
	"context"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

// ReconcileFunc brings a dependent resource in line with the primary.
type ReconcileFunc func(ctx context.Context, primary engine.Resource, wc *Context) error

// DeleteFunc removes a dependent resource.
type DeleteFunc func(ctx context.Context, primary engine.Resource, wc *Context) error

// Operations is the capability set of a dependent resource, decided once at
// registration.
type Operations struct {
	// Reconcile is required.
	Reconcile ReconcileFunc

	// Delete is nil for resources that cannot be deleted explicitly.
	Delete DeleteFunc

	// GarbageCollected marks resources removed through ownership when the
	// primary goes away. Cleanup never deletes them but still orders them.
	GarbageCollected bool
}

// Deletable reports whether the resource has a delete operation.
func (o Operations) Deletable() bool {
	return o.Delete != nil
}

// Condition is a predicate evaluated against the primary and the shared
// workflow context. An error is treated as a node failure.
type Condition interface {
	IsMet(ctx context.Context, primary engine.Resource, wc *Context) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context, primary engine.Resource, wc *Context) (bool, error)

// IsMet calls f.
func (f ConditionFunc) IsMet(ctx context.Context, primary engine.Resource, wc *Context) (bool, error) {
	return f(ctx, primary, wc)
}

// DependentResourceSpec declares one dependent resource of a workflow.
type DependentResourceSpec struct {
	// Name identifies the node. Names are unique within a workflow.
	Name string

	// Kind groups nodes of the same type, e.g. for aggregate error keys.
	// Defaults to Name.
	Kind string

	// DependsOn lists the names of nodes that must be reconciled first.
	DependsOn []string

	Operations Operations

	// ReconcilePrecondition gates whether the resource should exist at all.
	ReconcilePrecondition Condition

	// ReadyPostcondition gates whether dependents may proceed.
	ReadyPostcondition Condition

	// DeletePostcondition gates whether the resource counts as gone.
	DeletePostcondition Condition
}

// Node is a dependent resource inside a built Workflow. Nodes are immutable.
type Node struct {
	spec       DependentResourceSpec
	index      int
	order      int
	level      int
	dependsOn  []*Node
	dependents []*Node
}

// Name returns the node name.
func (n *Node) Name() string { return n.spec.Name }

// Kind returns the node kind.
func (n *Node) Kind() string { return n.spec.Kind }

// Level returns the depth of the node; top-level nodes are at level 0.
func (n *Node) Level() int { return n.level }

// Operations returns the capability set.
func (n *Node) Operations() Operations { return n.spec.Operations }

// DependsOn returns the nodes this node depends on, in declaration order.
func (n *Node) DependsOn() []*Node {
	out := make([]*Node, len(n.dependsOn))
	copy(out, n.dependsOn)
	return out
}

// Dependents returns the nodes depending on this node, in declaration order.
func (n *Node) Dependents() []*Node {
	out := make([]*Node, len(n.dependents))
	copy(out, n.dependents)
	return out
}

func (n *Node) String() string { return n.spec.Name }

// Context is shared by all nodes of a single reconcile or cleanup pass.
// Nodes use it to hand values to their dependents.
type Context struct {
	retry *engine.RetryInfo

	mu     sync.RWMutex
	values map[string]interface{}
}

// NewContext creates a pass context. retry may be nil.
func NewContext(retry *engine.RetryInfo) *Context {
	return &Context{
		retry:  retry,
		values: make(map[string]interface{}),
	}
}

// Retry returns the retry info of the dispatch driving the pass, or nil.
func (c *Context) Retry() *engine.RetryInfo {
	return c.retry
}

// Set stores a value.
func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns a stored value.
func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Values returns a copy of all stored values.
func (c *Context) Values() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
