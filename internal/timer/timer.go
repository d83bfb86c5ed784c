// Package timer implements the ordered set of one-shot and periodic
// deadlines described by the socket/event scheduler's timer wheel.
//
// The heap bookkeeping mirrors the teacher library's timedHeap
// (container/heap over a slice of callbacks with deadlines), adapted
// here to carry a period and an owner-supplied class for logging.
package timer

import "container/heap"

// Callback is invoked when a TimerEntry fires. now is the wheel's
// current absolute time in milliseconds.
type Callback func(entry *Entry, nowMs int64)

// Class groups related timer entries for diagnostics (the Go-native
// stand-in for add_class/remove_class in the host-facing API).
type Class struct {
	Name string
}

// NewClass registers a new timer class under the given name.
func NewClass(name string) *Class {
	return &Class{Name: name}
}

// Entry is a single registered deadline. Entries are owned by the
// caller and must not be copied after Add.
type Entry struct {
	class    *Class
	deadline int64 // absolute ms
	period   int64 // 0 = one-shot
	callback Callback
	ctx      interface{}
	running  bool
	index    int // heap index, maintained by container/heap
}

// NewEntry creates a stopped timer entry bound to the given class,
// callback, and opaque context.
func NewEntry(class *Class, cb Callback, ctx interface{}) *Entry {
	return &Entry{class: class, callback: cb, ctx: ctx, index: -1}
}

// Context returns the opaque context supplied at creation.
func (e *Entry) Context() interface{} { return e.ctx }

// Class returns the entry's owning class.
func (e *Entry) Class() *Class { return e.class }

// entryHeap is a min-heap of *Entry ordered by deadline.
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the ordered set of pending firings. A Wheel is not safe for
// concurrent use; it is driven exclusively from the scheduler's single
// cooperative thread.
type Wheel struct {
	heap entryHeap
}

// New returns an empty timer wheel.
func New() *Wheel {
	return &Wheel{}
}

// Set arms entry to fire at deadlineMs (absolute). If entry is already
// armed, it is first removed so that "exactly one pending firing exists"
// holds (spec invariant on Timer entry).
func (w *Wheel) Set(entry *Entry, deadlineMs int64) {
	w.Stop(entry)
	entry.deadline = deadlineMs
	entry.running = true
	heap.Push(&w.heap, entry)
}

// SetPeriodic arms entry as a periodic timer with the given period,
// with its first firing at deadlineMs.
func (w *Wheel) SetPeriodic(entry *Entry, deadlineMs, periodMs int64) {
	entry.period = periodMs
	w.Set(entry, deadlineMs)
}

// Stop removes entry's pending firing, if any. Safe to call on an
// already-stopped entry.
func (w *Wheel) Stop(entry *Entry) {
	if !entry.running {
		return
	}
	if entry.index >= 0 && entry.index < len(w.heap) && w.heap[entry.index] == entry {
		heap.Remove(&w.heap, entry.index)
	}
	entry.running = false
}

// RemoveClass stops every pending entry registered under class, the
// Go-native stand-in for remove_class in the host-facing API.
func (w *Wheel) RemoveClass(class *Class) {
	matching := make([]*Entry, 0)
	for _, e := range w.heap {
		if e.class == class {
			matching = append(matching, e)
		}
	}
	for _, e := range matching {
		w.Stop(e)
	}
}

// IsActive reports whether entry has a pending firing.
func (w *Wheel) IsActive(entry *Entry) bool {
	return entry.running
}

// NextDeadline returns the earliest pending deadline and true, or
// (0, false) if the wheel is empty.
func (w *Wheel) NextDeadline() (int64, bool) {
	if w.heap.Len() == 0 {
		return 0, false
	}
	return w.heap[0].deadline, true
}

// FireDue pops and invokes every entry whose deadline is <= nowMs.
// Periodic entries are re-armed at nowMs+period before their callback
// runs, so a callback that inspects IsActive sees the re-armed state;
// callbacks may themselves call Stop/Set on any entry, including
// themselves, since the heap has already been popped by the time the
// callback executes.
func (w *Wheel) FireDue(nowMs int64) {
	for w.heap.Len() > 0 {
		next := w.heap[0]
		if next.deadline > nowMs {
			return
		}
		heap.Pop(&w.heap)
		next.running = false
		if next.period > 0 {
			w.Set(next, nowMs+next.period)
		}
		if next.callback != nil {
			next.callback(next, nowMs)
		}
	}
}
