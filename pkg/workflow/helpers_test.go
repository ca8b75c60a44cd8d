package workflow

import (
	"context"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

type testPrimary struct {
	id engine.ResourceID
}

func (p testPrimary) ResourceID() engine.ResourceID { return p.id }
func (p testPrimary) ResourceVersion() string      { return "1" }

func newPrimary(name string) testPrimary {
	return testPrimary{id: engine.NewResourceID(name, "default")}
}

// recorder captures operation calls in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) indexOf(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) has(event string) bool {
	return r.indexOf(event) >= 0
}

// recordingOps records "reconcile:<name>" and, when deletable, "delete:<name>".
func recordingOps(rec *recorder, name string, deletable bool) Operations {
	ops := Operations{
		Reconcile: func(ctx context.Context, primary engine.Resource, wc *Context) error {
			rec.add("reconcile:" + name)
			return nil
		},
	}
	if deletable {
		ops.Delete = func(ctx context.Context, primary engine.Resource, wc *Context) error {
			rec.add("delete:" + name)
			return nil
		}
	}
	return ops
}

func failingReconcile(err error) ReconcileFunc {
	return func(ctx context.Context, primary engine.Resource, wc *Context) error {
		return err
	}
}

func constant(met bool) Condition {
	return ConditionFunc(func(ctx context.Context, primary engine.Resource, wc *Context) (bool, error) {
		return met, nil
	})
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}
