// Package scheduler implements the monotonic-time priority queue used by
// every cooperative component in the core: a nanosecond-deadline timer
// wheel that fires callbacks in deadline order, ties broken by insertion
// order (FIFO).
//
// The scheduler never reads wall-clock time; callers supply "now" as
// monotonic nanoseconds (time.Now().UnixNano() on a single host is fine,
// but tests drive it with a fake clock).
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
)

// Flags are opaque scheduling hints stored with each task and carried
// over when a recurring task re-arms; the core does not interpret or log
// them.
type Flags uint32

// Callback is invoked by Fire when a task's deadline has passed.
type Callback func()

// TaskID identifies a scheduled task. The zero value never refers to a
// live task, so it doubles as "no task" in the `id = Cancel(id)` idiom.
type TaskID uint64

type task struct {
	id       TaskID
	deadline int64 // nanoseconds, monotonic
	period   int64 // 0 for one-shot
	callback Callback
	label    string
	flags    Flags
	seq      uint64 // insertion order, for FIFO tie-break
	canceled bool
	index    int // heap index, maintained by container/heap
}

// Scheduler is a priority queue of deadline-ordered tasks.
type Scheduler struct {
	log *slog.Logger

	mu      sync.Mutex
	pq      taskHeap
	byID    map[TaskID]*task
	nextID  TaskID
	nextSeq uint64
}

// New creates an empty Scheduler. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:  log,
		byID: make(map[TaskID]*task),
	}
}

// ScheduleIn schedules callback to run once, delay_ns nanoseconds after now.
// If existingID is non-zero, the task it names is atomically canceled first
// (as if Cancel had been called) before the new one is installed; the new
// task's id is always returned.
func (s *Scheduler) ScheduleIn(now int64, existingID TaskID, delayNS int64, callback Callback, label string, flags Flags) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(existingID)
	return s.scheduleLocked(now+delayNS, 0, callback, label, flags)
}

// ScheduleEvery schedules callback to run every period_ns nanoseconds,
// starting at now+period_ns. Each subsequent fire is computed from the
// previous deadline, not from the actual fire time, so recurring tasks
// don't drift under load.
func (s *Scheduler) ScheduleEvery(now int64, periodNS int64, callback Callback, label string, flags Flags) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(now+periodNS, periodNS, callback, label, flags)
}

func (s *Scheduler) scheduleLocked(deadline int64, period int64, callback Callback, label string, flags Flags) TaskID {
	s.nextID++
	id := s.nextID
	s.nextSeq++
	t := &task{
		id:       id,
		deadline: deadline,
		period:   period,
		callback: callback,
		label:    label,
		flags:    flags,
		seq:      s.nextSeq,
	}
	s.byID[id] = t
	heap.Push(&s.pq, t)
	return id
}

// Cancel marks a task as canceled so it will never fire, and always
// returns 0, matching the `id = scheduler.Cancel(id)` idiom used to clear
// a task-id holder.
func (s *Scheduler) Cancel(id TaskID) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
	return 0
}

func (s *Scheduler) cancelLocked(id TaskID) {
	if id == 0 {
		return
	}
	if t, ok := s.byID[id]; ok {
		t.canceled = true
		delete(s.byID, id)
	}
}

// NextDeadline returns the deadline of the earliest live task, if any.
func (s *Scheduler) NextDeadline() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pq.Len() > 0 {
		t := s.pq[0]
		if t.canceled {
			heap.Pop(&s.pq)
			continue
		}
		return t.deadline, true
	}
	return 0, false
}

// Fire pops and invokes every task whose deadline is <= now, in deadline
// order (ties broken by insertion order). Tasks scheduled from inside a
// callback during this call are not considered for this same pass, even if
// their deadline is already <= now: the due set is captured up front.
func (s *Scheduler) Fire(now int64) {
	due := s.popDue(now)
	for _, t := range due {
		s.invoke(t)
		if t.period > 0 {
			s.rearm(t)
		}
	}
}

func (s *Scheduler) popDue(now int64) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*task
	for s.pq.Len() > 0 && s.pq[0].deadline <= now {
		t := heap.Pop(&s.pq).(*task)
		if t.canceled {
			continue
		}
		delete(s.byID, t.id)
		due = append(due, t)
	}
	return due
}

func (s *Scheduler) invoke(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: callback panicked", "label", t.label, "task_id", t.id, "panic", r)
		}
	}()
	t.callback()
}

func (s *Scheduler) rearm(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.canceled {
		return
	}
	s.nextSeq++
	t2 := &task{
		id:       t.id,
		deadline: t.deadline + t.period,
		period:   t.period,
		callback: t.callback,
		label:    t.label,
		flags:    t.flags,
		seq:      s.nextSeq,
	}
	s.byID[t2.id] = t2
	heap.Push(&s.pq, t2)
}

// Len returns the number of live (non-canceled, not-yet-fired) tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
