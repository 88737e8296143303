package scheduler

import (
	"container/heap"
	"time"
)

// QueuedTask is the in-memory record the scheduler holds for a task that was
// created but not yet dispatched to workers.
type QueuedTask struct {
	TaskID            int64
	Urgency           int
	Zone              string // empty = no spatial constraint
	MinPeopleRequired int
	EstimatedDuration int // minutes
	Interruptible     bool
	QueuedAt          time.Time
	Deadline          *time.Time
}

// Priority scores a queued task at a given instant. Urgency dominates,
// waiting time breaks ties, and approaching deadlines add a bonus.
func (t *QueuedTask) Priority(now time.Time) float64 {
	score := float64(t.Urgency) * 1000
	score += now.Sub(t.QueuedAt).Hours()
	if t.Deadline != nil {
		until := t.Deadline.Sub(now)
		switch {
		case until < 2*time.Hour:
			score += 100
		case until < 6*time.Hour:
			score += 50
		}
	}
	return score
}

// taskHeap is a max-heap over Priority, evaluated at evalTime. The scheduler
// refreshes evalTime and re-initializes the heap before each drain, so
// time-dependent reordering stays consistent.
type taskHeap struct {
	items    []*QueuedTask
	evalTime time.Time
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	return h.items[i].Priority(h.evalTime) > h.items[j].Priority(h.evalTime)
}

func (h *taskHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *taskHeap) Push(x interface{}) { h.items = append(h.items, x.(*QueuedTask)) }

func (h *taskHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *taskHeap) push(t *QueuedTask) { heap.Push(h, t) }

func (h *taskHeap) pop() *QueuedTask {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*QueuedTask)
}

// reorder refreshes the evaluation time and restores the heap invariant.
func (h *taskHeap) reorder(now time.Time) {
	h.evalTime = now
	heap.Init(h)
}
