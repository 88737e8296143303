package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soms/backend/internal/worldmodel"
)

type fakeDispatcher struct {
	dispatched []int64
	attempts   int
	fail       bool
}

func (d *fakeDispatcher) DispatchTask(taskID int64) error {
	d.attempts++
	if d.fail {
		return fmt.Errorf("taskstore unreachable")
	}
	d.dispatched = append(d.dispatched, taskID)
	return nil
}

// worldWith builds a WorldModel with one zone holding the given person count
// and dominant activity.
func worldWith(zone string, people int, activity string) *worldmodel.WorldModel {
	w := worldmodel.New(nil)
	payload := fmt.Sprintf(`{"person_count": %d, "activity_distribution": {"%s": %d}}`,
		people, activity, people)
	w.UpdateFromMessage("office/"+zone+"/camera/cam_1", []byte(payload))
	return w
}

func testScheduler(world WorldView) (*Scheduler, *fakeDispatcher, *time.Time) {
	d := &fakeDispatcher{}
	s := New(world, d)
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC) // 14:00, working hours
	s.now = func() time.Time { return now }
	return s, d, &now
}

func TestCriticalUrgencyAlwaysDispatches(t *testing.T) {
	// empty zone, critical task goes out anyway
	s, d, _ := testScheduler(worldWith("zone_a", 0, "focused"))

	ok := s.Register(QueuedTask{TaskID: 1, Urgency: 4, Zone: "zone_a", MinPeopleRequired: 5})
	assert.True(t, ok)
	assert.Equal(t, []int64{1}, d.dispatched)
}

func TestNoZoneDispatchesImmediately(t *testing.T) {
	s, d, _ := testScheduler(worldmodel.New(nil))

	ok := s.Register(QueuedTask{TaskID: 2, Urgency: 1})
	assert.True(t, ok)
	assert.Equal(t, []int64{2}, d.dispatched)
}

func TestUnknownZoneQueues(t *testing.T) {
	s, d, _ := testScheduler(worldmodel.New(nil))

	ok := s.Register(QueuedTask{TaskID: 3, Urgency: 2, Zone: "never_seen"})
	assert.False(t, ok)
	assert.Empty(t, d.dispatched)
	assert.Equal(t, 1, s.QueueLen())
}

func TestMinPeopleGate(t *testing.T) {
	world := worldWith("zone_a", 1, "active")
	s, d, _ := testScheduler(world)

	ok := s.Register(QueuedTask{TaskID: 4, Urgency: 2, Zone: "zone_a", MinPeopleRequired: 2})
	require.False(t, ok)
	assert.Equal(t, 1, s.QueueLen())

	// second person arrives, next cycle dispatches
	world.UpdateFromMessage("office/zone_a/camera/cam_1",
		[]byte(`{"person_count": 2, "activity_distribution": {"active": 2}}`))
	s.ProcessQueue()
	assert.Equal(t, []int64{4}, d.dispatched)
	assert.Equal(t, 0, s.QueueLen())
}

func TestFocusedZoneDefersNonUrgent(t *testing.T) {
	s, d, _ := testScheduler(worldWith("zone_a", 2, "focused"))

	ok := s.Register(QueuedTask{TaskID: 5, Urgency: 2, Zone: "zone_a"})
	assert.False(t, ok)
	assert.Empty(t, d.dispatched)

	// urgency 3 cuts through focus
	ok = s.Register(QueuedTask{TaskID: 6, Urgency: 3, Zone: "zone_a"})
	assert.True(t, ok)
	assert.Equal(t, []int64{6}, d.dispatched)

	// interruptible tasks also go out
	ok = s.Register(QueuedTask{TaskID: 7, Urgency: 2, Zone: "zone_a", Interruptible: true})
	assert.True(t, ok)
}

func TestOutsideWorkingHoursQueues(t *testing.T) {
	s, d, now := testScheduler(worldWith("zone_a", 1, "active"))
	*now = time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)

	ok := s.Register(QueuedTask{TaskID: 8, Urgency: 1, Zone: "zone_a"})
	assert.False(t, ok)
	assert.Empty(t, d.dispatched)

	// same task dispatches next morning
	*now = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	s.ProcessQueue()
	assert.Equal(t, []int64{8}, d.dispatched)
}

func TestEmptyZoneQueuesUntilOccupied(t *testing.T) {
	world := worldWith("zone_a", 0, "active")
	s, d, _ := testScheduler(world)

	ok := s.Register(QueuedTask{TaskID: 9, Urgency: 1, Zone: "zone_a"})
	require.False(t, ok)

	world.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 1}`))
	s.ProcessQueue()
	assert.Equal(t, []int64{9}, d.dispatched)
}

func TestForceDispatchAfter24h(t *testing.T) {
	s, d, now := testScheduler(worldWith("zone_a", 0, "active"))

	queuedAt := now.Add(-25 * time.Hour)
	s.Register(QueuedTask{TaskID: 10, Urgency: 1, Zone: "zone_a", QueuedAt: queuedAt})
	require.Empty(t, d.dispatched, "empty zone should queue first")

	s.ProcessQueue()
	assert.Equal(t, []int64{10}, d.dispatched)
	assert.Equal(t, 0, s.QueueLen())
}

func TestPriorityOrdering(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

	urgent := QueuedTask{TaskID: 1, Urgency: 3, QueuedAt: now}
	old := QueuedTask{TaskID: 2, Urgency: 1, QueuedAt: now.Add(-10 * time.Hour)}
	deadline := now.Add(90 * time.Minute)
	soon := QueuedTask{TaskID: 3, Urgency: 1, QueuedAt: now, Deadline: &deadline}

	assert.Greater(t, urgent.Priority(now), old.Priority(now))
	assert.Greater(t, urgent.Priority(now), soon.Priority(now))
	assert.Greater(t, soon.Priority(now), old.Priority(now)) // 100 bonus beats 10 h wait
	assert.InDelta(t, 1100, soon.Priority(now), 0.01)
}

func TestFailedDispatchRequeues(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	s := New(worldmodel.New(nil), d)
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Register(QueuedTask{TaskID: 11, Urgency: 4})
	assert.Equal(t, 1, s.QueueLen(), "failed dispatch keeps the task")

	d.fail = false
	s.ProcessQueue()
	assert.Equal(t, []int64{11}, d.dispatched)
	assert.Equal(t, 0, s.QueueLen())
}

func TestProcessQueueTerminatesWhenTaskStoreDown(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	s := New(worldmodel.New(nil), d)
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// one dispatchable task and one force-dispatch candidate
	s.Register(QueuedTask{TaskID: 11, Urgency: 4})
	s.Register(QueuedTask{TaskID: 12, Urgency: 1, Zone: "never_seen",
		QueuedAt: now.Add(-25 * time.Hour)})
	require.Equal(t, 2, s.QueueLen())
	d.attempts = 0

	// a drain pass attempts each task exactly once and keeps both queued
	s.ProcessQueue()
	assert.Equal(t, 2, d.attempts)
	assert.Equal(t, 2, s.QueueLen())
	assert.Empty(t, d.dispatched)

	// the TaskStore comes back and the next cycle flushes the queue
	d.fail = false
	s.ProcessQueue()
	assert.ElementsMatch(t, []int64{11, 12}, d.dispatched)
	assert.Equal(t, 0, s.QueueLen())
}

func TestQueueSnapshotOrder(t *testing.T) {
	s, _, _ := testScheduler(worldWith("zone_a", 0, "active"))

	s.Register(QueuedTask{TaskID: 1, Urgency: 1, Zone: "zone_a"})
	s.Register(QueuedTask{TaskID: 2, Urgency: 3, Zone: "zone_a", MinPeopleRequired: 9})
	s.Register(QueuedTask{TaskID: 3, Urgency: 2, Zone: "zone_a"})

	snap := s.QueueSnapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, int64(2), snap[0].TaskID)
	assert.Equal(t, int64(3), snap[1].TaskID)
	assert.Equal(t, int64(1), snap[2].TaskID)
}
