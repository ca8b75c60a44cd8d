package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification emitted by the event processor or a workflow.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ResourceID is the primary resource the event is about.
	ResourceID string `json:"resource_id,omitempty"`

	// DispatchID identifies the dispatch, if applicable.
	DispatchID string `json:"dispatch_id,omitempty"`

	// Workflow and Node identify a workflow node, if applicable.
	Workflow string `json:"workflow,omitempty"`
	Node     string `json:"node,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeDispatchStarted   = "dispatch.started"
	EventTypeDispatchCompleted = "dispatch.completed"
	EventTypeDispatchFailed    = "dispatch.failed"
	EventTypeRetryScheduled    = "retry.scheduled"
	EventTypeRetryExhausted    = "retry.exhausted"
	EventTypeResourceCleanedUp = "resource.cleaned_up"
	EventTypeNodeCompleted     = "node.completed"
	EventTypeNodeFailed        = "node.failed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDispatchStarted publishes a dispatch started event.
func (ep *EventPublisher) PublishDispatchStarted(resourceID, dispatchID string, attempt int) error {
	return ep.Publish(Event{
		Type:       EventTypeDispatchStarted,
		Source:     "event-processor",
		ResourceID: resourceID,
		DispatchID: dispatchID,
		Message:    fmt.Sprintf("Dispatch %s started for %s", dispatchID, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"attempt": attempt,
		},
	})
}

// PublishDispatchCompleted publishes a successful dispatch event.
func (ep *EventPublisher) PublishDispatchCompleted(resourceID, dispatchID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeDispatchCompleted,
		Source:     "event-processor",
		ResourceID: resourceID,
		DispatchID: dispatchID,
		Message:    fmt.Sprintf("Dispatch %s completed for %s", dispatchID, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishDispatchFailed publishes a failed dispatch event.
func (ep *EventPublisher) PublishDispatchFailed(resourceID, dispatchID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeDispatchFailed,
		Source:     "event-processor",
		ResourceID: resourceID,
		DispatchID: dispatchID,
		Message:    fmt.Sprintf("Dispatch %s failed for %s: %s", dispatchID, resourceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRetryScheduled publishes a retry scheduled event.
func (ep *EventPublisher) PublishRetryScheduled(resourceID string, attempt int, delay time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeRetryScheduled,
		Source:     "event-processor",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Retry %d for %s scheduled in %s", attempt, resourceID, delay),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.Seconds(),
		},
	})
}

// PublishRetryExhausted publishes a retry exhausted event.
func (ep *EventPublisher) PublishRetryExhausted(resourceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeRetryExhausted,
		Source:     "event-processor",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Retries exhausted for %s: %s", resourceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishResourceCleanedUp publishes an event when the processor forgets a deleted resource.
func (ep *EventPublisher) PublishResourceCleanedUp(resourceID string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceCleanedUp,
		Source:     "event-processor",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s cleaned up", resourceID),
		Level:      EventLevelInfo,
	})
}

// PublishNodeOutcome publishes the outcome of a workflow node.
func (ep *EventPublisher) PublishNodeOutcome(resourceID, workflow, node, outcome string, err error) error {
	event := Event{
		Type:       EventTypeNodeCompleted,
		Source:     "workflow",
		ResourceID: resourceID,
		Workflow:   workflow,
		Node:       node,
		Message:    fmt.Sprintf("Node %s of %s finished as %s", node, workflow, outcome),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	}
	if err != nil {
		event.Type = EventTypeNodeFailed
		event.Level = EventLevelError
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is already buffered before delivering.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains the buffer and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogEvents returns a subscriber that writes each event to logger at the
// event's level.
func LogEvents(logger *Logger) EventSubscriber {
	return func(event Event) {
		l := logger.WithField("event", event.Type)
		if event.ResourceID != "" {
			l = l.WithResourceID(event.ResourceID)
		}
		if event.DispatchID != "" {
			l = l.WithDispatchID(event.DispatchID)
		}
		if event.Node != "" {
			l = l.WithNode(event.Workflow, event.Node)
		}
		if len(event.Data) > 0 {
			l = l.WithFields(event.Data)
		}

		switch event.Level {
		case EventLevelError:
			l.Error(event.Message)
		case EventLevelWarning:
			l.Warn(event.Message)
		default:
			l.Info(event.Message)
		}
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
