// Package scheduler serializes all sync-engine work onto one logical
// thread and provides named, cancellable delayed operations for
// retry/backoff timers.
//
// Every engine operation, durable transaction, and callback dispatch
// runs under Run, so no two of them ever interleave within one client
// process. Delayed operations fire through the same serialization
// point.
package scheduler

import (
	"log"
	"os"
	"sync"
	"time"
)

// TimerCategory names a class of delayed operations so they can be
// cancelled or force-fired as a group.
type TimerCategory string

const (
	// TimerRemoteRetry reconnects the watch/write streams after a
	// network failure.
	TimerRemoteRetry TimerCategory = "remote_retry"
	// TimerPersistenceRetry re-drives work that failed because the
	// durable store was unavailable.
	TimerPersistenceRetry TimerCategory = "persistence_retry"
)

// Scheduler is the single-threaded cooperative work queue.
//
// Run executes an operation immediately under the serialization lock;
// RunDelayed schedules one to execute after a delay (still under the
// lock). The zero value is not usable; call New.
type Scheduler struct {
	mu sync.Mutex // the one logical thread

	stateMu sync.Mutex
	delayed map[TimerCategory][]*DelayedOp
	stopped bool
	logger  *log.Logger
}

// DelayedOp is a handle to a scheduled operation.
type DelayedOp struct {
	Category TimerCategory

	sched *Scheduler
	timer *time.Timer
	op    func()

	mu    sync.Mutex
	state delayedState
}

type delayedState int

const (
	delayedScheduled delayedState = iota
	delayedRan
	delayedCancelled
)

// New creates a scheduler. If logger is nil a default stderr logger is
// used.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		delayed: make(map[TimerCategory][]*DelayedOp),
		logger:  logger,
	}
}

// Run executes op on the scheduler's logical thread, blocking the
// caller until it completes. Re-entrant calls are a deadlock; an
// operation that needs follow-up work schedules it with RunDelayed or
// defers it past its own return.
func (s *Scheduler) Run(op func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op()
}

// RunDelayed schedules op to run after delay, tagged with a category.
// The returned handle can cancel the operation before it fires.
func (s *Scheduler) RunDelayed(category TimerCategory, delay time.Duration, op func()) *DelayedOp {
	d := &DelayedOp{
		Category: category,
		sched:    s,
		op:       op,
	}

	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		d.state = delayedCancelled
		return d
	}
	s.delayed[category] = append(s.delayed[category], d)
	s.stateMu.Unlock()

	d.timer = time.AfterFunc(delay, func() { d.fire() })
	return d
}

// Cancel prevents the operation from running if it has not fired yet.
func (d *DelayedOp) Cancel() {
	d.mu.Lock()
	if d.state != delayedScheduled {
		d.mu.Unlock()
		return
	}
	d.state = delayedCancelled
	timer := d.timer
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	d.sched.remove(d)
}

// fire runs the operation if it is still scheduled.
func (d *DelayedOp) fire() {
	d.mu.Lock()
	if d.state != delayedScheduled {
		d.mu.Unlock()
		return
	}
	d.state = delayedRan
	d.mu.Unlock()

	d.sched.remove(d)
	d.sched.Run(d.op)
}

// CancelAll cancels every scheduled operation in a category. Other
// categories are untouched.
func (s *Scheduler) CancelAll(category TimerCategory) {
	s.stateMu.Lock()
	ops := s.delayed[category]
	delete(s.delayed, category)
	s.stateMu.Unlock()

	for _, d := range ops {
		d.mu.Lock()
		if d.state == delayedScheduled {
			d.state = delayedCancelled
			if d.timer != nil {
				d.timer.Stop()
			}
		}
		d.mu.Unlock()
	}
}

// FireDelayed immediately runs every scheduled operation in a
// category, in scheduling order, without waiting for its timer.
// Recovery flows and tests use this to re-drive failed work
// deterministically.
func (s *Scheduler) FireDelayed(category TimerCategory) {
	s.stateMu.Lock()
	ops := make([]*DelayedOp, len(s.delayed[category]))
	copy(ops, s.delayed[category])
	s.stateMu.Unlock()

	for _, d := range ops {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.fire()
	}
}

// Pending reports the number of scheduled operations in a category.
func (s *Scheduler) Pending(category TimerCategory) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return len(s.delayed[category])
}

// Shutdown cancels all scheduled work across every category. Durable
// state is untouched; the next client instance recovers from whatever
// was last committed.
func (s *Scheduler) Shutdown() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	var all []*DelayedOp
	for _, ops := range s.delayed {
		all = append(all, ops...)
	}
	s.delayed = make(map[TimerCategory][]*DelayedOp)
	s.stateMu.Unlock()

	for _, d := range all {
		d.mu.Lock()
		if d.state == delayedScheduled {
			d.state = delayedCancelled
			if d.timer != nil {
				d.timer.Stop()
			}
		}
		d.mu.Unlock()
	}
}

// remove drops a handle from its category list.
func (s *Scheduler) remove(d *DelayedOp) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	ops := s.delayed[d.Category]
	for i, other := range ops {
		if other == d {
			s.delayed[d.Category] = append(ops[:i], ops[i+1:]...)
			break
		}
	}
}
