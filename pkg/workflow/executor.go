package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// step is what a node task hands back to the executor.
type step struct {
	result NodeResult

	// markForDelete reports an unmet reconcile precondition. The node gets
	// its terminal result from the delete walk instead.
	markForDelete bool
}

// pass holds the state shared by the node tasks of one reconcile or cleanup
// pass. All bookkeeping is guarded by mu; node operations run outside it.
type pass struct {
	ctx     context.Context
	wf      *Workflow
	phase   Phase
	primary engine.Resource
	wc      *Context
	logger  *telemetry.Logger

	sem *semaphore.Weighted
	g   errgroup.Group

	mu      sync.Mutex
	results map[string]NodeResult
}

func newPass(ctx context.Context, wf *Workflow, phase Phase, primary engine.Resource, wc *Context) *pass {
	if wc == nil {
		wc = NewContext(nil)
	}
	return &pass{
		ctx:     ctx,
		wf:      wf,
		phase:   phase,
		primary: primary,
		wc:      wc,
		logger: wf.tel.Logger.NewComponentLogger("workflow").
			WithField("workflow", wf.name).
			WithField("phase", string(phase)).
			WithResourceID(primary.ResourceID().String()),
		sem:     semaphore.NewWeighted(int64(wf.parallelism)),
		results: make(map[string]NodeResult, len(wf.order)),
	}
}

// spawnLocked runs task for node on the bounded pool and calls done with the
// outcome while holding mu. Must be called with mu held.
func (p *pass) spawnLocked(node *Node, phase string, task func(context.Context) step, done func(*Node, step)) {
	p.g.Go(func() error {
		// Cancelled before the node started: it ends up skipped.
		if err := p.ctx.Err(); err != nil {
			return err
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return err
		}
		s := p.run(node, phase, task)
		p.sem.Release(1)

		p.mu.Lock()
		defer p.mu.Unlock()
		done(node, s)
		return nil
	})
}

// run executes task with a span, metrics and panic recovery.
func (p *pass) run(node *Node, phase string, task func(context.Context) step) (s step) {
	ctx, span := p.wf.tel.Tracer.StartNodeSpan(p.ctx, p.wf.name, node.Name(), phase)
	timer := telemetry.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			s = step{result: NodeResult{
				Outcome: OutcomeErrored,
				Err: engine.NewExecutionError(fmt.Sprintf("%s panicked: %v", phase, r), nil).
					WithResource(node.Name()).
					WithOperation(phase).
					WithCode(engine.ErrCodeNodeFailed),
			}}
		}

		span.End()
		if s.markForDelete {
			return
		}
		if s.result.Err != nil {
			telemetry.RecordError(span, s.result.Err)
		} else {
			telemetry.RecordSuccess(span)
		}
		p.wf.tel.Metrics.RecordNodeExecution(p.wf.name, node.Name(), string(s.result.Outcome), timer.Duration())
	}()

	return task(ctx)
}

// record stores a terminal result. Must be called with mu held.
func (p *pass) recordLocked(node *Node, res NodeResult) {
	p.results[node.Name()] = res

	log := p.logger.WithNode(p.wf.name, node.Name()).WithField("outcome", string(res.Outcome))
	if res.Err != nil {
		log.WithError(res.Err).Warn("Dependent resource failed")
		p.wf.tel.Metrics.RecordError(string(engine.ClassOf(res.Err)))
	} else {
		log.Debug("Dependent resource processed")
	}
	_ = p.wf.tel.Events.PublishNodeOutcome(
		p.primary.ResourceID().String(), p.wf.name, node.Name(), string(res.Outcome), res.Err)
}

// doneLocked reports whether node has a terminal result. Must be called with mu held.
func (p *pass) doneLocked(node *Node) (NodeResult, bool) {
	res, ok := p.results[node.Name()]
	return res, ok
}

// finish waits for all tasks and marks nodes that never ran as skipped. A
// task only fails when the pass context ended before its node started, so a
// Wait error means the pass was interrupted.
func (p *pass) finish(started time.Time) *Result {
	interrupted := p.g.Wait()
	if interrupted != nil {
		p.logger.WithError(interrupted).Warn("Workflow pass interrupted")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nodes := make(map[string]NodeResult, len(p.wf.order))
	for _, node := range p.wf.order {
		res, ok := p.results[node.Name()]
		if !ok {
			res = NodeResult{Outcome: OutcomeSkipped, PostconditionMet: true}
		}
		nodes[node.Name()] = res
	}

	p.logger.WithField("duration", time.Since(started).String()).Debug("Workflow pass finished")

	return &Result{
		workflow:    p.wf.name,
		phase:       p.phase,
		order:       p.wf.order,
		nodes:       nodes,
		interrupted: interrupted,
	}
}

// deleteNode runs the delete operation, when called for, and evaluates the
// delete postcondition.
func (p *pass) deleteNode(ctx context.Context, node *Node, callDelete bool) step {
	res := NodeResult{Outcome: OutcomeDeleted, PostconditionMet: true}

	if callDelete {
		res.DeleteCalled = true
		if err := node.Operations().Delete(ctx, p.primary, p.wc); err != nil {
			return step{result: NodeResult{
				Outcome:      OutcomeErrored,
				DeleteCalled: true,
				Err:          nodeError(node, "delete", err),
			}}
		}
	}

	met, err := p.evaluate(ctx, node, node.spec.DeletePostcondition, "delete postcondition")
	if err != nil {
		return step{result: NodeResult{Outcome: OutcomeErrored, DeleteCalled: res.DeleteCalled, Err: err}}
	}
	res.PostconditionMet = met
	return step{result: res}
}

// evaluate checks an optional condition. A missing condition is met.
func (p *pass) evaluate(ctx context.Context, node *Node, cond Condition, what string) (bool, error) {
	if cond == nil {
		return true, nil
	}
	met, err := cond.IsMet(ctx, p.primary, p.wc)
	if err != nil {
		return false, engine.NewExecutionError(fmt.Sprintf("evaluating %s", what), err).
			WithResource(node.Name()).
			WithCode(engine.ErrCodeConditionFailed)
	}
	return met, nil
}

func nodeError(node *Node, operation string, err error) error {
	return engine.NewExecutionError(fmt.Sprintf("%s %s failed", node.Kind(), operation), err).
		WithResource(node.Name()).
		WithOperation(operation).
		WithCode(engine.ErrCodeNodeFailed)
}
