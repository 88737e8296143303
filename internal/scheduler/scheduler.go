// Package scheduler holds tasks back until the office is in a state where
// dispatching them makes sense: the right zone is occupied, nobody is deep in
// focused work, and it is a reasonable hour. Urgent tasks skip all of that.
package scheduler

import (
	"log"
	"time"
)

const maxQueueAge = 24 * time.Hour

// Dispatcher marks a task as dispatched in the TaskStore.
type Dispatcher interface {
	DispatchTask(taskID int64) error
}

// Scheduler owns the priority queue and the dispatch oracle. It is driven
// from the Brain's scheduler goroutine and is not safe for concurrent use.
type Scheduler struct {
	world      WorldView
	dispatcher Dispatcher
	logger     *log.Logger

	queue *taskHeap

	now func() time.Time
}

// New creates a scheduler with an empty queue.
func New(world WorldView, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		world:      world,
		dispatcher: dispatcher,
		logger:     log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		queue:      &taskHeap{},
		now:        time.Now,
	}
}

// Register runs a newly created task through the oracle. Returns true when
// the task was dispatched immediately, false when it was queued.
func (s *Scheduler) Register(t QueuedTask) bool {
	now := s.now()
	if t.QueuedAt.IsZero() {
		t.QueuedAt = now
	}

	dispatch, reason := decide(&t, s.world, now)
	if dispatch {
		if s.dispatch(&t, reason) {
			return true
		}
		s.queue.push(&t)
		return false
	}

	s.logger.Printf("⏸️ Task %d queued: %s", t.TaskID, reason)
	s.queue.push(&t)
	return false
}

// ProcessQueue drains the queue in priority order and re-evaluates every
// task. Tasks older than 24 h are force-dispatched; the rest go out when the
// oracle agrees or return to the queue. Called at the start of every Brain
// cycle.
func (s *Scheduler) ProcessQueue() {
	if s.queue.Len() == 0 {
		return
	}
	now := s.now()
	s.queue.reorder(now)

	var requeue []*QueuedTask
	for {
		t := s.queue.pop()
		if t == nil {
			break
		}
		if now.Sub(t.QueuedAt) > maxQueueAge {
			s.logger.Printf("⚠️ Task %d queued for %.1f h, force dispatching",
				t.TaskID, now.Sub(t.QueuedAt).Hours())
			if !s.dispatch(t, "queued too long") {
				requeue = append(requeue, t)
			}
			continue
		}
		if dispatch, reason := decide(t, s.world, now); dispatch {
			if !s.dispatch(t, reason) {
				requeue = append(requeue, t)
			}
			continue
		}
		requeue = append(requeue, t)
	}
	for _, t := range requeue {
		s.queue.push(t)
	}
}

// dispatch reports whether the TaskStore accepted the dispatch. Failed tasks
// are kept by the caller; pushing here would feed the drain loop forever.
func (s *Scheduler) dispatch(t *QueuedTask, reason string) bool {
	if err := s.dispatcher.DispatchTask(t.TaskID); err != nil {
		s.logger.Printf("⚠️ Dispatch of task %d failed (%v), requeueing", t.TaskID, err)
		return false
	}
	s.logger.Printf("🚀 Task %d dispatched: %s", t.TaskID, reason)
	return true
}

// QueueLen reports the number of waiting tasks.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// QueueStats breaks the waiting tasks down by urgency and zone.
func (s *Scheduler) QueueStats() map[string]interface{} {
	byUrgency := make(map[int]int)
	byZone := make(map[string]int)
	for _, t := range s.queue.items {
		byUrgency[t.Urgency]++
		zone := t.Zone
		if zone == "" {
			zone = "office"
		}
		byZone[zone]++
	}
	return map[string]interface{}{
		"total":      s.queue.Len(),
		"by_urgency": byUrgency,
		"by_zone":    byZone,
	}
}

// QueueSnapshot lists the waiting tasks in priority order.
func (s *Scheduler) QueueSnapshot() []QueuedTask {
	now := s.now()
	out := make([]QueuedTask, 0, s.queue.Len())
	for _, t := range s.queue.items {
		out = append(out, *t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority(now) > out[j-1].Priority(now); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
