// Package scheduler provides the virtual clock every engine component runs on.
//
// Callbacks fire in (fireTime, scheduling order) and run to completion before the
// next one starts. Callbacks may schedule or cancel other callbacks.
package scheduler

import (
	"container/heap"
	"time"
)

type EventID uint64

// Clock reports the current virtual time as an offset from the start of the run.
type Clock interface {
	Now() time.Duration
}

// Scheduler is the subset components depend on.
type Scheduler interface {
	Clock
	Schedule(delay time.Duration, fn func()) EventID
	Cancel(id EventID) bool
}

type entry struct {
	id    EventID
	at    time.Duration
	seq   uint64
	fn    func()
	index int
}

type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Virtual is a min-heap discrete-event scheduler. It is not safe for concurrent use.
type Virtual struct {
	now     time.Duration
	seq     uint64
	nextID  EventID
	pending queue
	byID    map[EventID]*entry
	fired   uint64
}

func New() *Virtual {
	return &Virtual{byID: make(map[EventID]*entry)}
}

func (v *Virtual) Now() time.Duration {
	return v.now
}

// Schedule registers fn to run delay after the current virtual time. Negative
// delays are treated as zero.
func (v *Virtual) Schedule(delay time.Duration, fn func()) EventID {
	if delay < 0 {
		delay = 0
	}
	return v.ScheduleAt(v.now+delay, fn)
}

func (v *Virtual) ScheduleAt(at time.Duration, fn func()) EventID {
	if at < v.now {
		at = v.now
	}
	v.nextID++
	v.seq++
	e := &entry{id: v.nextID, at: at, seq: v.seq, fn: fn}
	heap.Push(&v.pending, e)
	v.byID[e.id] = e
	return e.id
}

// Cancel removes a pending callback. It returns false for ids that already fired,
// were cancelled, or were never issued.
func (v *Virtual) Cancel(id EventID) bool {
	e, ok := v.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&v.pending, e.index)
	delete(v.byID, id)
	return true
}

func (v *Virtual) Pending() int {
	return len(v.pending)
}

func (v *Virtual) Fired() uint64 {
	return v.fired
}

// Step fires the earliest pending callback and reports whether one existed.
func (v *Virtual) Step() bool {
	if len(v.pending) == 0 {
		return false
	}
	e := heap.Pop(&v.pending).(*entry)
	delete(v.byID, e.id)
	v.now = e.at
	v.fired++
	if e.fn != nil {
		e.fn()
	}
	return true
}

// RunUntil fires every callback due at or before until, then advances the clock
// to until.
func (v *Virtual) RunUntil(until time.Duration) {
	for len(v.pending) > 0 && v.pending[0].at <= until {
		v.Step()
	}
	if until > v.now {
		v.now = until
	}
}

func (v *Virtual) RunFor(d time.Duration) {
	v.RunUntil(v.now + d)
}

// Run drains the queue. Self-rescheduling callbacks make this loop forever, so
// bounded runs should use RunUntil.
func (v *Virtual) Run() {
	for v.Step() {
	}
}
