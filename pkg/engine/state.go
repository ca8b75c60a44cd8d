package engine

import (
	"sort"
	"sync"
)

// StateKind is the pending-work lattice value of a ResourceState.
type StateKind string

const (
	// StateNone means nothing is pending.
	StateNone StateKind = "none"

	// StateEvent means an unprocessed change event is pending.
	StateEvent StateKind = "event"

	// StateDeleteOnly means the resource was deleted and only cleanup is pending.
	StateDeleteOnly StateKind = "delete_only"

	// StateDeleteAndEvent means a delete is pending together with an event.
	StateDeleteAndEvent StateKind = "delete_and_event"
)

// ResourceState records the pending work for one resource identity.
//
// ResourceState is not safe for concurrent use. The EventProcessor serializes
// all access under its own lock.
type ResourceState struct {
	id ResourceID

	eventPresent       bool
	deleteEventPresent bool
	// eventAfterDelete is set when the identity was re-created after its
	// delete was observed.
	eventAfterDelete bool

	underProcessing bool
	retry           *RetryExecution
}

func newResourceState(id ResourceID) *ResourceState {
	return &ResourceState{id: id}
}

// ID returns the resource identity.
func (s *ResourceState) ID() ResourceID {
	return s.id
}

// MarkEventReceived records a change event. It fails once a delete was
// recorded: delete is terminal until cleanup completes.
func (s *ResourceState) MarkEventReceived() error {
	if s.deleteEventPresent {
		return NewStateError("cannot mark event after delete event").WithResource(s.id.String())
	}
	s.eventPresent = true
	return nil
}

// MarkDeleteEventReceived records a delete. An already pending event is kept,
// yielding StateDeleteAndEvent.
func (s *ResourceState) MarkDeleteEventReceived() {
	s.deleteEventPresent = true
}

// MarkAdditionalEventAfterDelete records an event for a new incarnation of a
// deleted identity. It is the only way to add an event after a delete.
func (s *ResourceState) MarkAdditionalEventAfterDelete() error {
	if !s.deleteEventPresent {
		return NewStateError("additional event requires a prior delete event").WithResource(s.id.String())
	}
	s.eventPresent = true
	s.eventAfterDelete = true
	return nil
}

// UnMarkEventReceived clears the pending event. A pending delete is kept.
func (s *ResourceState) UnMarkEventReceived() {
	s.eventPresent = false
	s.eventAfterDelete = false
}

// EventPresent reports whether a change event is pending.
func (s *ResourceState) EventPresent() bool {
	return s.eventPresent
}

// DeleteEventPresent reports whether a delete is pending.
func (s *ResourceState) DeleteEventPresent() bool {
	return s.deleteEventPresent
}

// EventAfterDelete reports whether the pending event belongs to a new
// incarnation recorded after the delete.
func (s *ResourceState) EventAfterDelete() bool {
	return s.eventAfterDelete
}

// NoEventPresent reports whether nothing is pending.
func (s *ResourceState) NoEventPresent() bool {
	return !s.eventPresent && !s.deleteEventPresent
}

// Kind returns the lattice value.
func (s *ResourceState) Kind() StateKind {
	switch {
	case s.deleteEventPresent && s.eventPresent:
		return StateDeleteAndEvent
	case s.deleteEventPresent:
		return StateDeleteOnly
	case s.eventPresent:
		return StateEvent
	default:
		return StateNone
	}
}

// UnderProcessing reports whether a dispatch is in flight.
func (s *ResourceState) UnderProcessing() bool {
	return s.underProcessing
}

func (s *ResourceState) setUnderProcessing(v bool) {
	s.underProcessing = v
}

// RetryExecution returns the active retry execution, or nil.
func (s *ResourceState) RetryExecution() *RetryExecution {
	return s.retry
}

func (s *ResourceState) retryExecution(cfg RetryConfig) *RetryExecution {
	if s.retry == nil {
		s.retry = cfg.NewExecution()
	}
	return s.retry
}

func (s *ResourceState) resetRetry() {
	s.retry = nil
}

// StateManager owns the ResourceState of every known identity. States are
// created lazily and the underlying map is never exposed.
type StateManager struct {
	mu     sync.Mutex
	states map[ResourceID]*ResourceState
}

// NewStateManager creates an empty manager.
func NewStateManager() *StateManager {
	return &StateManager{states: make(map[ResourceID]*ResourceState)}
}

// GetOrCreate returns the state for id, creating it if needed.
func (m *StateManager) GetOrCreate(id ResourceID) *ResourceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		s = newResourceState(id)
		m.states[id] = s
	}
	return s
}

// Get returns the state for id if it exists.
func (m *StateManager) Get(id ResourceID) (*ResourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	return s, ok
}

// Remove forgets id and returns its last state.
func (m *StateManager) Remove(id ResourceID) (*ResourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	delete(m.states, id)
	return s, ok
}

// ResourcesWithEventPresent lists identities with a pending event or delete,
// sorted by their string form.
func (m *StateManager) ResourcesWithEventPresent() []ResourceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]ResourceID, 0)
	for id, s := range m.states {
		if !s.NoEventPresent() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Len returns the number of tracked identities.
func (m *StateManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
