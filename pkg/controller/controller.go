// Package controller runs a dependent resource workflow for every dispatch
// of the event processor.
package controller

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/workflow"
)

// Tombstone is implemented by primaries that can be marked for deletion
// while their dependents are cleaned up.
type Tombstone interface {
	MarkedForDeletion() bool
}

// Finalizer releases a primary once cleanup has converged.
type Finalizer interface {
	Finalize(id engine.ResourceID) bool
}

// ResultJournal records per-node outcomes of a workflow pass.
type ResultJournal interface {
	RecordWorkflowResult(ctx context.Context, dispatchID string, resource engine.ResourceID, result *workflow.Result) error
}

// Config controls rescheduling after a workflow pass.
type Config struct {
	// NotReadyRequeue is the delay before the next pass while a node is not
	// ready or cleanup is still pending.
	NotReadyRequeue time.Duration

	// MaxReconciliationInterval re-runs a converged primary after this delay.
	// Zero disables the periodic resync.
	MaxReconciliationInterval time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithTelemetry sets logging.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Controller) {
		c.tel = tel
	}
}

// WithFinalizer is called when cleanup of a tombstoned primary completes.
func WithFinalizer(f Finalizer) Option {
	return func(c *Controller) {
		c.finalizer = f
	}
}

// WithJournal records node outcomes of every pass.
func WithJournal(j ResultJournal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// Controller is an engine.Dispatcher that reconciles a primary by running a
// workflow over its dependent resources.
type Controller struct {
	wf        *workflow.Workflow
	config    Config
	finalizer Finalizer
	journal   ResultJournal
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

var _ engine.Dispatcher = (*Controller)(nil)

// New creates a controller for wf.
func New(wf *workflow.Workflow, cfg Config, opts ...Option) (*Controller, error) {
	if wf == nil {
		return nil, engine.NewConfigurationError("workflow is required", nil)
	}
	if cfg.NotReadyRequeue <= 0 {
		return nil, engine.NewConfigurationError("not ready requeue delay must be positive", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.MaxReconciliationInterval < 0 {
		return nil, engine.NewConfigurationError("max reconciliation interval must not be negative", nil).
			WithCode(engine.ErrCodeValidation)
	}

	c := &Controller{wf: wf, config: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.tel == nil {
		c.tel = telemetry.Noop()
	}
	c.logger = c.tel.Logger.NewComponentLogger("controller")

	return c, nil
}

// HandleExecution implements engine.Dispatcher. Tombstoned primaries run the
// cleanup pass, everything else the reconcile pass.
func (c *Controller) HandleExecution(ctx context.Context, scope engine.ExecutionScope) engine.PostExecutionControl {
	wc := workflow.NewContext(scope.Retry)

	if t, ok := scope.Resource.(Tombstone); ok && t.MarkedForDeletion() {
		return c.cleanup(ctx, scope, wc)
	}
	return c.reconcile(ctx, scope, wc)
}

func (c *Controller) reconcile(ctx context.Context, scope engine.ExecutionScope, wc *workflow.Context) engine.PostExecutionControl {
	log := c.logger.WithResourceID(scope.ResourceID().String()).WithDispatchID(scope.DispatchID)

	result, err := c.wf.Reconcile(ctx, scope.Resource, wc)
	if err != nil {
		return engine.ExceptionControl(err)
	}
	c.record(ctx, scope, result, log)

	if err := result.Err(); err != nil {
		return engine.ExceptionControl(err)
	}

	if notReady := result.NotReady(); len(notReady) > 0 {
		log.Debugf("dependents not ready %v, requeue in %s", notReady, c.config.NotReadyRequeue)
		return engine.DefaultControl().WithReschedule(c.config.NotReadyRequeue)
	}

	log.Debug("workflow reconciled")
	if c.config.MaxReconciliationInterval > 0 {
		return engine.DefaultControl().WithReschedule(c.config.MaxReconciliationInterval)
	}
	return engine.DefaultControl()
}

func (c *Controller) cleanup(ctx context.Context, scope engine.ExecutionScope, wc *workflow.Context) engine.PostExecutionControl {
	id := scope.ResourceID()
	log := c.logger.WithResourceID(id.String()).WithDispatchID(scope.DispatchID)

	result, err := c.wf.Cleanup(ctx, scope.Resource, wc)
	if err != nil {
		return engine.ExceptionControl(err)
	}
	c.record(ctx, scope, result, log)

	if err := result.Err(); err != nil {
		return engine.ExceptionControl(err)
	}

	if !result.AllPostconditionsMet() {
		log.Debugf("cleanup pending %v, requeue in %s", result.PostconditionNotMet(), c.config.NotReadyRequeue)
		return engine.DefaultControl().WithReschedule(c.config.NotReadyRequeue)
	}

	log.Info("cleanup complete")
	if c.finalizer != nil {
		c.finalizer.Finalize(id)
	}
	return engine.DefaultControl()
}

func (c *Controller) record(ctx context.Context, scope engine.ExecutionScope, result *workflow.Result, log *telemetry.Logger) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordWorkflowResult(context.WithoutCancel(ctx), scope.DispatchID, scope.ResourceID(), result); err != nil {
		log.WithError(err).Warn("failed to journal workflow result")
	}
}
