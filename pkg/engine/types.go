package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceID identifies a primary resource. It is a comparable value type and
// is used as a map key throughout the engine.
type ResourceID struct {
	// Name is the resource name. Always set.
	Name string `json:"name" yaml:"name"`

	// Namespace is optional; an empty namespace denotes a cluster-scoped resource.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// NewResourceID builds a ResourceID from a name and optional namespace.
func NewResourceID(name, namespace string) ResourceID {
	return ResourceID{Name: name, Namespace: namespace}
}

// ParseResourceID parses "namespace/name" or "name".
func ParseResourceID(s string) (ResourceID, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return ResourceID{Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return ResourceID{Namespace: parts[0], Name: parts[1]}, nil
	default:
		return ResourceID{}, fmt.Errorf("invalid resource id %q: expected name or namespace/name", s)
	}
}

// String renders the id as "namespace/name", or "name" when cluster-scoped.
func (id ResourceID) String() string {
	if id.Namespace == "" {
		return id.Name
	}
	return id.Namespace + "/" + id.Name
}

// Resource is the minimal view the engine needs of a primary resource.
// The engine never looks at anything else.
type Resource interface {
	ResourceID() ResourceID
	// ResourceVersion changes on every modification of the resource.
	ResourceVersion() string
}

// EventType classifies a change notification.
type EventType string

const (
	// EventAdded indicates a resource appeared.
	EventAdded EventType = "added"

	// EventUpdated indicates a resource changed.
	EventUpdated EventType = "updated"

	// EventDeleted indicates a resource is gone for good.
	EventDeleted EventType = "deleted"

	// EventTimer is emitted by the once-off timer for retries and reschedules.
	EventTimer EventType = "timer"
)

// IsDelete returns true for deletion events.
func (t EventType) IsDelete() bool {
	return t == EventDeleted
}

// Event is a change notification for a single resource identity.
type Event struct {
	// ID is a unique identifier for tracing the event.
	ID string `json:"id"`

	// Resource identifies the resource the event is about.
	Resource ResourceID `json:"resource"`

	// Type is the kind of change.
	Type EventType `json:"type"`

	// ResourceVersion is the version observed by the source, if known.
	ResourceVersion string `json:"resource_version,omitempty"`

	// Source names the component that produced the event.
	Source string `json:"source,omitempty"`

	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(id ResourceID, eventType EventType, resourceVersion string) Event {
	return Event{
		ID:              uuid.New().String(),
		Resource:        id,
		Type:            eventType,
		ResourceVersion: resourceVersion,
		Timestamp:       time.Now(),
	}
}

// RetryInfo describes the retry position of a dispatch.
type RetryInfo struct {
	// Attempt is the number of retries already consumed, starting at 1 for
	// the first retry.
	Attempt int `json:"attempt"`

	// LastAttempt is true when no further retry will follow a failure.
	LastAttempt bool `json:"last_attempt"`
}

// ExecutionScope is the unit of dispatch: the latest known snapshot of the
// resource plus retry information. A scope is consumed by exactly one dispatch.
type ExecutionScope struct {
	// DispatchID uniquely identifies this dispatch.
	DispatchID string

	// Resource is the snapshot read from the resource cache at submission time.
	Resource Resource

	// Retry is nil on a first attempt.
	Retry *RetryInfo
}

// ResourceID returns the identity of the scoped resource.
func (s ExecutionScope) ResourceID() ResourceID {
	return s.Resource.ResourceID()
}

// Attempt returns the retry attempt, or 0 for a first attempt.
func (s ExecutionScope) Attempt() int {
	if s.Retry == nil {
		return 0
	}
	return s.Retry.Attempt
}

// PostExecutionControl is the outcome of one dispatch. It is either
// successful, optionally carrying an updated snapshot and a reschedule
// delay, or failed with an error.
type PostExecutionControl struct {
	updated    Resource
	reschedule time.Duration
	hasDelay   bool
	err        error
}

// DefaultControl is a plain successful outcome.
func DefaultControl() PostExecutionControl {
	return PostExecutionControl{}
}

// UpdatedResourceControl is a successful outcome that modified the primary resource.
func UpdatedResourceControl(updated Resource) PostExecutionControl {
	return PostExecutionControl{updated: updated}
}

// ExceptionControl is a failed outcome.
func ExceptionControl(err error) PostExecutionControl {
	return PostExecutionControl{err: err}
}

// WithReschedule requests one delayed re-trigger after a successful dispatch.
// It has no effect on failed outcomes, which follow the retry policy.
func (c PostExecutionControl) WithReschedule(delay time.Duration) PostExecutionControl {
	c.reschedule = delay
	c.hasDelay = true
	return c
}

// Successful reports whether the dispatch completed without error.
func (c PostExecutionControl) Successful() bool {
	return c.err == nil
}

// Err returns the dispatch error, if any.
func (c PostExecutionControl) Err() error {
	return c.err
}

// UpdatedResource returns the updated snapshot, if the dispatch produced one.
func (c PostExecutionControl) UpdatedResource() (Resource, bool) {
	return c.updated, c.updated != nil
}

// RescheduleDelay returns the requested reschedule delay, if any.
func (c PostExecutionControl) RescheduleDelay() (time.Duration, bool) {
	return c.reschedule, c.hasDelay
}

// DispatchOutcome summarizes how the processor handled a finished dispatch.
type DispatchOutcome string

const (
	// OutcomeSuccess means the dispatch succeeded.
	OutcomeSuccess DispatchOutcome = "success"

	// OutcomeRetry means the dispatch failed and a retry follows.
	OutcomeRetry DispatchOutcome = "retry"

	// OutcomeExhausted means the dispatch failed and no retry remains.
	OutcomeExhausted DispatchOutcome = "exhausted"
)

// DispatchRecord is the journal entry written for each finished dispatch.
type DispatchRecord struct {
	ID          string          `json:"id"`
	Resource    ResourceID      `json:"resource"`
	Attempt     int             `json:"attempt"`
	Outcome     DispatchOutcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	RetryDelay  time.Duration   `json:"retry_delay,omitempty"`
	Reschedule  time.Duration   `json:"reschedule,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
