package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// ProcessorConfig configures an EventProcessor. It is passed explicitly; there
// is no process-wide configuration.
type ProcessorConfig struct {
	// MaxConcurrentReconciliations bounds dispatches across all identities.
	// Zero means runtime.NumCPU().
	MaxConcurrentReconciliations int `yaml:"max_concurrent_reconciliations" validate:"gte=0"`

	// Retry is the retry policy for failed dispatches. Nil disables retries.
	Retry *RetryConfig `yaml:"retry" validate:"-"`

	// IgnoreOwnUpdateEvents skips the first event carrying a resource version
	// written by a successful dispatch.
	IgnoreOwnUpdateEvents bool `yaml:"ignore_own_update_events"`
}

// DefaultProcessorConfig returns the default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	retry := DefaultRetryConfig()
	return ProcessorConfig{
		MaxConcurrentReconciliations: 10,
		Retry:                        &retry,
		IgnoreOwnUpdateEvents:        true,
	}
}

// Validate checks the configuration.
func (c ProcessorConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return NewConfigurationError("invalid processor configuration", err).WithCode(ErrCodeValidation)
	}
	if c.Retry != nil {
		return c.Retry.Validate()
	}
	return nil
}

// ProcessorOption customizes an EventProcessor.
type ProcessorOption func(*EventProcessor)

// WithTimer replaces the in-process OnceTimer.
func WithTimer(t Timer) ProcessorOption {
	return func(p *EventProcessor) {
		p.timer = t
	}
}

// WithCleanupHook registers a hook called when a deleted resource is forgotten.
func WithCleanupHook(h CleanupHook) ProcessorOption {
	return func(p *EventProcessor) {
		p.cleanupHook = h
	}
}

// WithJournal records every finished dispatch.
func WithJournal(j Journal) ProcessorOption {
	return func(p *EventProcessor) {
		p.journal = j
	}
}

// WithTelemetry sets logging, metrics, tracing and lifecycle events.
func WithTelemetry(t *telemetry.Telemetry) ProcessorOption {
	return func(p *EventProcessor) {
		p.tel = t
	}
}

// EventProcessor schedules reconciliations per resource identity.
//
// At most one dispatch per ResourceID is in flight at any time. Events that
// arrive during a dispatch are coalesced into the identity's ResourceState
// and produce at most one follow-up dispatch. Failed dispatches are retried
// with backoff through the Timer; successful ones may request a reschedule.
type EventProcessor struct {
	config      ProcessorConfig
	cache       ResourceCache
	dispatcher  Dispatcher
	timer       Timer
	ownTimer    *OnceTimer
	cleanupHook CleanupHook
	journal     Journal
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger

	states *StateManager
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	closing     bool
	inFlight    int
	ownVersions map[ResourceID]string
}

// NewEventProcessor creates a processor. Events handled before Start are
// recorded and dispatched once the processor starts.
func NewEventProcessor(cfg ProcessorConfig, cache ResourceCache, dispatcher Dispatcher, opts ...ProcessorOption) (*EventProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, NewConfigurationError("resource cache is required", nil)
	}
	if dispatcher == nil {
		return nil, NewConfigurationError("dispatcher is required", nil)
	}
	if cfg.MaxConcurrentReconciliations == 0 {
		cfg.MaxConcurrentReconciliations = runtime.NumCPU()
	}

	p := &EventProcessor{
		config:      cfg,
		cache:       cache,
		dispatcher:  dispatcher,
		states:      NewStateManager(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentReconciliations)),
		ctx:         context.Background(),
		ownVersions: make(map[ResourceID]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tel == nil {
		p.tel = telemetry.Noop()
	}
	if p.timer == nil {
		p.ownTimer = NewOnceTimer(p.onTimer)
		p.timer = p.ownTimer
	}
	p.logger = p.tel.Logger.NewComponentLogger("event-processor")

	return p, nil
}

// Start enables dispatching and submits everything recorded before the start.
// Cancelling ctx stops the processor as Stop does; dispatches already running
// keep a context that is not cancelled with it. A stopped processor cannot be
// restarted.
func (p *EventProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return NewStateError("event processor was stopped")
	}
	if p.running {
		return nil
	}

	p.ctx = ctx
	p.running = true

	for _, id := range p.states.ResourcesWithEventPresent() {
		if state, ok := p.states.Get(id); ok {
			p.handleMarkedState(state)
		}
	}

	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	p.logger.Info("event processor started")
	return nil
}

// Stop prevents new dispatches, including submitted ones still waiting for a
// worker slot. Running dispatches are not interrupted; use Wait to drain them.
func (p *EventProcessor) Stop() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.running = false
	p.mu.Unlock()

	if p.ownTimer != nil {
		p.ownTimer.Stop()
	}
	p.logger.Info("event processor stopped")
}

// Wait blocks until every started dispatch has finished or ctx is done.
func (p *EventProcessor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent is the entry point for every event source.
func (p *EventProcessor) HandleEvent(event Event) {
	p.tel.Metrics.RecordEventReceived(string(event.Type))

	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.WithResourceID(event.Resource.String())

	if p.closing {
		log.Debug("event processor stopped, dropping event")
		return
	}
	if p.consumeOwnUpdate(event) {
		log.Debugf("skipping event for own update, version %s", event.ResourceVersion)
		return
	}

	state := p.states.GetOrCreate(event.Resource)
	if err := markState(state, event); err != nil {
		log.WithError(err).Error("illegal resource state transition")
		p.tel.Metrics.RecordError(string(ErrorClassState))
		return
	}
	defer p.updatePendingGauge()

	if !p.running {
		return
	}
	p.handleMarkedState(state)
}

func markState(state *ResourceState, event Event) error {
	switch {
	case event.Type.IsDelete():
		state.MarkDeleteEventReceived()
		return nil
	case state.DeleteEventPresent():
		if event.Type == EventTimer {
			// Stale retry or reschedule for a deleted resource.
			return nil
		}
		return state.MarkAdditionalEventAfterDelete()
	default:
		return state.MarkEventReceived()
	}
}

func (p *EventProcessor) consumeOwnUpdate(event Event) bool {
	if !p.config.IgnoreOwnUpdateEvents || event.Type != EventUpdated || event.ResourceVersion == "" {
		return false
	}
	version, ok := p.ownVersions[event.Resource]
	if !ok || version != event.ResourceVersion {
		return false
	}
	delete(p.ownVersions, event.Resource)
	return true
}

// handleMarkedState acts on whatever is pending for an idle identity.
// Called with p.mu held.
func (p *EventProcessor) handleMarkedState(state *ResourceState) {
	if state.UnderProcessing() {
		return
	}

	id := state.ID()
	switch {
	case state.DeleteEventPresent() && state.EventAfterDelete():
		p.cleanup(id)
		fresh := p.states.GetOrCreate(id)
		_ = fresh.MarkEventReceived()
		p.submit(fresh)
	case state.DeleteEventPresent():
		p.cleanup(id)
	case state.EventPresent():
		p.submit(state)
	}
}

// submit starts a dispatch for state. Called with p.mu held.
func (p *EventProcessor) submit(state *ResourceState) {
	if p.closing {
		return
	}

	id := state.ID()
	resource, ok := p.cache.Get(id)
	if !ok {
		p.logger.WithResourceID(id.String()).Debug("resource not in cache, skipping dispatch")
		state.UnMarkEventReceived()
		if state.NoEventPresent() && state.RetryExecution() == nil {
			p.states.Remove(id)
		}
		return
	}

	scope := ExecutionScope{
		DispatchID: uuid.New().String(),
		Resource:   resource,
	}
	if retry := state.RetryExecution(); retry != nil {
		scope.Retry = retry.Info()
	}

	state.UnMarkEventReceived()
	state.setUnderProcessing(true)
	p.inFlight++
	p.tel.Metrics.SetInFlight(p.inFlight)

	ctx := p.ctx
	p.wg.Add(1)
	go p.execute(ctx, scope)
}

// execute waits for a worker slot and runs the dispatch. ctx is the
// processor lifecycle context: ending it aborts dispatches still waiting for
// a slot, while a dispatch that already started runs to completion.
func (p *EventProcessor) execute(ctx context.Context, scope ExecutionScope) {
	defer p.wg.Done()

	started := time.Now()
	var control PostExecutionControl
	switch err := p.sem.Acquire(ctx, 1); {
	case err != nil:
		control = ExceptionControl(NewDispatchError("dispatch aborted", err).WithResource(scope.ResourceID().String()))
	case p.isClosing():
		p.sem.Release(1)
		control = ExceptionControl(NewDispatchError("dispatch aborted, event processor stopped", nil).
			WithResource(scope.ResourceID().String()))
	default:
		control = p.dispatch(context.WithoutCancel(ctx), scope)
		p.sem.Release(1)
	}

	p.finished(scope, control, started)
}

func (p *EventProcessor) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

func (p *EventProcessor) dispatch(ctx context.Context, scope ExecutionScope) (control PostExecutionControl) {
	id := scope.ResourceID().String()

	ctx, span := p.tel.Tracer.StartDispatchSpan(ctx, id, scope.DispatchID, scope.Attempt())
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			control = ExceptionControl(
				NewDispatchError(fmt.Sprintf("dispatcher panicked: %v", r), nil).
					WithResource(id).
					WithCode(ErrCodeDispatchPanic),
			)
		}
		if err := control.Err(); err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}()

	_ = p.tel.Events.PublishDispatchStarted(id, scope.DispatchID, scope.Attempt())

	ctx = p.logger.WithResourceID(id).WithDispatchID(scope.DispatchID).WithContext(ctx)
	return p.dispatcher.HandleExecution(ctx, scope)
}

// EventProcessingFinished applies the outcome of a dispatch: it schedules a
// retry or reschedule, cleans up deleted resources and re-dispatches
// identities that received events meanwhile.
func (p *EventProcessor) EventProcessingFinished(scope ExecutionScope, control PostExecutionControl) {
	p.finished(scope, control, time.Now())
}

func (p *EventProcessor) finished(scope ExecutionScope, control PostExecutionControl, started time.Time) {
	record := p.applyOutcome(scope, control)
	record.StartedAt = started

	duration := record.CompletedAt.Sub(started)
	p.tel.Metrics.RecordDispatch(string(record.Outcome), duration)

	id := record.Resource.String()
	if err := control.Err(); err != nil {
		_ = p.tel.Events.PublishDispatchFailed(id, scope.DispatchID, err.Error())
	} else {
		_ = p.tel.Events.PublishDispatchCompleted(id, scope.DispatchID, duration)
	}

	if p.journal != nil {
		if err := p.journal.RecordDispatch(context.Background(), record); err != nil {
			p.logger.WithResourceID(id).WithError(err).Warn("failed to journal dispatch")
		}
	}
}

func (p *EventProcessor) applyOutcome(scope ExecutionScope, control PostExecutionControl) DispatchRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updatePendingGauge()

	id := scope.ResourceID()
	record := DispatchRecord{
		ID:          scope.DispatchID,
		Resource:    id,
		Attempt:     scope.Attempt(),
		Outcome:     OutcomeSuccess,
		CompletedAt: time.Now(),
	}
	if err := control.Err(); err != nil {
		record.Error = err.Error()
	}

	if p.inFlight > 0 {
		p.inFlight--
	}
	p.tel.Metrics.SetInFlight(p.inFlight)

	log := p.logger.WithResourceID(id.String()).WithDispatchID(scope.DispatchID)

	state, ok := p.states.Get(id)
	if !ok {
		log.Warn("dispatch finished for untracked resource")
		return record
	}
	state.setUnderProcessing(false)

	if p.closing {
		if !control.Successful() {
			record.Outcome = OutcomeExhausted
		}
		log.Debug("event processor stopped, not acting on dispatch outcome")
		return record
	}

	if err := control.Err(); err != nil {
		p.handleFailure(state, err, &record, log)
	} else {
		p.handleSuccess(state, control, &record)
	}

	p.handleMarkedState(state)
	return record
}

func (p *EventProcessor) handleFailure(state *ResourceState, err error, record *DispatchRecord, log *telemetry.Logger) {
	id := state.ID()

	if p.config.Retry == nil || !IsRetryable(err) {
		p.exhausted(state, err, record, log)
		return
	}

	retry := state.retryExecution(*p.config.Retry)
	delay, ok := retry.NextDelay()
	if !ok {
		p.exhausted(state, err, record, log)
		return
	}

	record.Outcome = OutcomeRetry
	p.tel.Metrics.RecordRetryScheduled()
	_ = p.tel.Events.PublishRetryScheduled(id.String(), retry.Attempt(), delay)

	if !state.NoEventPresent() {
		// Fresh events supersede the backoff; the attempt is still consumed.
		log.WithError(err).Warnf("dispatch failed with events pending, retrying immediately (%s)", retry)
		return
	}

	record.RetryDelay = delay
	p.timer.ScheduleOnce(id, delay)
	log.WithError(err).Warnf("dispatch failed, retry in %s (%s)", delay, retry)
}

func (p *EventProcessor) exhausted(state *ResourceState, err error, record *DispatchRecord, log *telemetry.Logger) {
	record.Outcome = OutcomeExhausted
	log.WithError(err).Error("dispatch failed, no retry remains")

	class := ClassOf(err)
	if class == "" {
		class = ErrorClassDispatch
	}
	p.tel.Metrics.RecordRetryExhausted()
	p.tel.Metrics.RecordError(string(class))
	_ = p.tel.Events.PublishRetryExhausted(state.ID().String(), err.Error())

	state.resetRetry()
}

func (p *EventProcessor) handleSuccess(state *ResourceState, control PostExecutionControl, record *DispatchRecord) {
	id := state.ID()

	p.timer.CancelOnceSchedule(id)
	state.resetRetry()

	if updated, ok := control.UpdatedResource(); ok && p.config.IgnoreOwnUpdateEvents {
		cached, found := p.cache.Get(id)
		if !found || cached.ResourceVersion() != updated.ResourceVersion() {
			p.ownVersions[id] = updated.ResourceVersion()
		}
	}

	if delay, ok := control.RescheduleDelay(); ok {
		record.Reschedule = delay
		if state.NoEventPresent() {
			p.timer.ScheduleOnce(id, delay)
		}
	}
}

// cleanup forgets a deleted identity. Called with p.mu held.
func (p *EventProcessor) cleanup(id ResourceID) {
	p.timer.CancelOnceSchedule(id)
	delete(p.ownVersions, id)
	p.states.Remove(id)

	if p.cleanupHook != nil {
		p.cleanupHook.CleanupForResource(id)
	}
	_ = p.tel.Events.PublishResourceCleanedUp(id.String())
	p.logger.WithResourceID(id.String()).Debug("resource state cleaned up")
}

func (p *EventProcessor) onTimer(id ResourceID) {
	event := NewEvent(id, EventTimer, "")
	event.Source = "timer"
	p.HandleEvent(event)
}

func (p *EventProcessor) updatePendingGauge() {
	p.tel.Metrics.SetPendingResources(len(p.states.ResourcesWithEventPresent()))
}

// PendingEventCount returns the number of identities with unprocessed events.
func (p *EventProcessor) PendingEventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states.ResourcesWithEventPresent())
}

// ResourcesWithEventPresent lists identities with unprocessed events.
func (p *EventProcessor) ResourcesWithEventPresent() []ResourceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states.ResourcesWithEventPresent()
}

// InFlightCount returns the number of dispatches in flight.
func (p *EventProcessor) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Running reports whether the processor accepts dispatches.
func (p *EventProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
