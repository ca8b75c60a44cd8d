package engine

import (
	"sync"
	"time"
)

// OnceTimer is the in-process Timer. Each identity has at most one pending
// timer; scheduling again stops the previous one.
type OnceTimer struct {
	mu      sync.Mutex
	pending map[ResourceID]*time.Timer
	fire    func(ResourceID)
	stopCh  chan struct{}
	stopped bool
}

// NewOnceTimer creates a timer that calls fire when a schedule elapses.
// fire runs on its own goroutine.
func NewOnceTimer(fire func(ResourceID)) *OnceTimer {
	return &OnceTimer{
		pending: make(map[ResourceID]*time.Timer),
		fire:    fire,
		stopCh:  make(chan struct{}),
	}
}

// ScheduleOnce fires id after delay, replacing any pending schedule for id.
func (t *OnceTimer) ScheduleOnce(id ResourceID, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if existing, ok := t.pending[id]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// A replaced timer whose Stop lost the race must not fire.
		if t.pending[id] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, id)
		t.mu.Unlock()

		select {
		case <-t.stopCh:
			return
		default:
			t.fire(id)
		}
	})
	t.pending[id] = timer
}

// CancelOnceSchedule drops the pending schedule for id, if any.
func (t *OnceTimer) CancelOnceSchedule(id ResourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[id]; ok {
		existing.Stop()
		delete(t.pending, id)
	}
}

// Pending returns the number of scheduled identities.
func (t *OnceTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all schedules. Later schedules are ignored.
func (t *OnceTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
