package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firedIDs struct {
	mu  sync.Mutex
	ids []ResourceID
}

func (f *firedIDs) fire(id ResourceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *firedIDs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func TestOnceTimerFires(t *testing.T) {
	fired := &firedIDs{}
	timer := NewOnceTimer(fired.fire)
	defer timer.Stop()

	timer.ScheduleOnce(webID, 5*time.Millisecond)
	assert.Equal(t, 1, timer.Pending())

	require.Eventually(t, func() bool { return fired.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, timer.Pending())
}

func TestOnceTimerReplacesPendingSchedule(t *testing.T) {
	fired := &firedIDs{}
	timer := NewOnceTimer(fired.fire)
	defer timer.Stop()

	timer.ScheduleOnce(webID, 10*time.Millisecond)
	timer.ScheduleOnce(webID, 30*time.Millisecond)
	assert.Equal(t, 1, timer.Pending())

	require.Eventually(t, func() bool { return fired.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fired.count(), "the replaced schedule never fires")
}

func TestOnceTimerCancel(t *testing.T) {
	fired := &firedIDs{}
	timer := NewOnceTimer(fired.fire)
	defer timer.Stop()

	timer.ScheduleOnce(webID, 10*time.Millisecond)
	timer.CancelOnceSchedule(webID)
	timer.CancelOnceSchedule(NewResourceID("unknown", ""))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, fired.count())
	assert.Equal(t, 0, timer.Pending())
}

func TestOnceTimerStop(t *testing.T) {
	fired := &firedIDs{}
	timer := NewOnceTimer(fired.fire)

	timer.ScheduleOnce(webID, 10*time.Millisecond)
	timer.Stop()
	timer.Stop()
	timer.ScheduleOnce(webID, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, fired.count())
	assert.Equal(t, 0, timer.Pending())
}
