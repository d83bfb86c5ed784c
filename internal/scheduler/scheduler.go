// Package scheduler implements the socket/event scheduler: a registry of
// file descriptors with per-descriptor read/write interest, driven by a
// single cooperative dispatch loop until a caller-supplied stop predicate
// trips or a deadline is reached.
//
// The dispatch loop and its re-entrancy handling are adapted from the
// teacher library's watcher loop (container/heap-based timeouts, a
// descriptor table keyed by fd, deliver-style callback dispatch) but
// trade the teacher's goroutine/channel proactor model for the
// single-threaded cooperative reactor this system requires: exactly one
// goroutine ever calls Run, and every Handler runs synchronously on it.
package scheduler

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/vnetd/meshd/internal/clock"
	"github.com/vnetd/meshd/internal/timer"
)

// Handler is invoked once per ready descriptor per wake. readable/writable
// reflect the readiness result for this wake; both false indicates an
// unrecoverable fd error surfaced by the poller.
type Handler func(fd int, ctx interface{}, readable, writable bool)

// Entry is a single registered socket. An Entry must be registered with
// at most one Scheduler at a time (spec invariant: a socket entry
// appears in the registry at most once).
type Entry struct {
	Fd      int
	Ctx     interface{}
	Handler Handler

	read  bool
	write bool

	registered bool
	regIndex   int // registration order, used to order same-wake dispatch
}

// NewEntry creates an unregistered Entry. Interest flags default to
// read-only; call SetRead/SetWrite before or after Add.
func NewEntry(fd int, handler Handler, ctx interface{}) *Entry {
	return &Entry{Fd: fd, Ctx: ctx, Handler: handler, read: true}
}

// Result describes why Run returned.
type Result int

const (
	// StoppedByPredicate means stop() returned true.
	StoppedByPredicate Result = iota
	// StoppedByDeadline means the absolute deadline passed to Run elapsed.
	StoppedByDeadline
)

// Scheduler multiplexes registered Entries and fires timer callbacks.
// Not safe for concurrent use; the single-threaded cooperative contract
// is enforced by convention (only Run's goroutine touches a Scheduler).
type Scheduler struct {
	poller *poller
	clock  *clock.Clock
	timers *timer.Wheel
	log    logrus.FieldLogger

	byFD    map[int]*Entry
	nextReg int
}

// New creates a Scheduler backed by the platform poller.
func New(log logrus.FieldLogger) (*Scheduler, error) {
	p, err := openPoll()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		poller: p,
		clock:  clock.New(),
		timers: timer.New(),
		log:    log.WithField("component", "scheduler"),
		byFD:   make(map[int]*Entry),
	}, nil
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() *clock.Clock { return s.clock }

// Timers returns the scheduler's timer wheel.
func (s *Scheduler) Timers() *timer.Wheel { return s.timers }

// Close releases the underlying poller descriptor.
func (s *Scheduler) Close() error {
	return s.poller.close()
}

// Add registers entry. The caller is responsible for registering a given
// Entry only once.
func (s *Scheduler) Add(e *Entry) error {
	if err := s.poller.watch(e.Fd, e.read, e.write); err != nil {
		return err
	}
	e.registered = true
	e.regIndex = s.nextReg
	s.nextReg++
	s.byFD[e.Fd] = e
	return nil
}

// Remove detaches entry from the registry. Safe to call from within a
// Handler, including for the entry currently being dispatched or any
// other entry reachable from the same wake.
func (s *Scheduler) Remove(e *Entry) {
	if !e.registered {
		return
	}
	e.registered = false
	delete(s.byFD, e.Fd)
	_ = s.poller.unwatch(e.Fd)
}

// SetRead adjusts read interest, effective on the next wait.
func (s *Scheduler) SetRead(e *Entry, read bool) {
	if e.read == read {
		return
	}
	e.read = read
	if e.registered {
		_ = s.poller.modify(e.Fd, e.read, e.write)
	}
}

// SetWrite adjusts write interest, effective on the next wait.
func (s *Scheduler) SetWrite(e *Entry, write bool) {
	if e.write == write {
		return
	}
	e.write = write
	if e.registered {
		_ = s.poller.modify(e.Fd, e.read, e.write)
	}
}

// Run drives events until stop() returns true or deadlineMs (absolute,
// Clock.NowMillis units) elapses.
func (s *Scheduler) Run(stop func() bool, deadlineMs int64) (Result, error) {
	for {
		if stop != nil && stop() {
			return StoppedByPredicate, nil
		}

		now := s.clock.NowMillis()
		if now >= deadlineMs {
			return StoppedByDeadline, nil
		}

		waitMs := deadlineMs - now
		if next, ok := s.timers.NextDeadline(); ok && next-now < waitMs {
			if next <= now {
				waitMs = 0
			} else {
				waitMs = next - now
			}
		}

		events, err := s.poller.wait(int(waitMs))
		if err != nil {
			s.log.WithError(err).Warn("poller wait failed, continuing")
			continue
		}

		// Timers fire before socket handlers within a single wake.
		s.timers.FireDue(s.clock.NowMillis())

		s.dispatch(events)
	}
}

// dispatch invokes handlers for a snapshot of ready events, in
// registration order, tolerating Add/Remove performed by earlier
// handlers in the same pass.
func (s *Scheduler) dispatch(events []pollEvent) {
	if len(events) == 0 {
		return
	}
	sort.Slice(events, func(i, j int) bool {
		ei, oki := s.byFD[events[i].fd]
		ej, okj := s.byFD[events[j].fd]
		if !oki || !okj {
			return oki && !okj
		}
		return ei.regIndex < ej.regIndex
	})

	for _, ev := range events {
		e, ok := s.byFD[ev.fd]
		if !ok {
			// Removed earlier in this same pass, or by a previous wake's
			// handler; tolerate and skip (re-entrant traversal contract).
			continue
		}
		if e.Handler == nil {
			continue
		}
		readable := ev.readable && e.read
		writable := ev.writable && e.write
		if ev.errored {
			readable, writable = false, false
		}
		e.Handler(e.Fd, e.Ctx, readable, writable)
	}
}
