// Package eventloop integrates the scheduler with readiness-driven I/O in a
// single-threaded, cooperative run loop. Go has no user-level epoll/kqueue
// handle to poll directly, so readiness is modeled the way the teacher's
// multicast listener feeds its subscribers: goroutines performing blocking
// reads post a ready-to-run callback onto a channel, and the loop itself
// stays single-threaded, draining that channel before ever touching the
// scheduler. See DESIGN.md for why this is the one concession to the host
// runtime rather than a hand-rolled readiness primitive.
package eventloop

import (
	"log/slog"
	"time"

	"github.com/malbeclabs/moldbus/internal/scheduler"
)

// Readiness is a unit of work posted by an I/O goroutine: Loop invokes it
// on the loop's own goroutine, preserving single-threaded semantics for
// everything downstream.
type Readiness func()

// Clock supplies monotonic nanoseconds; New defaults to
// time.Now().UnixNano(), and tests substitute a fake one via WithClock.
type Clock func() int64

// Loop is a single-threaded run loop: each pass drains pending readiness
// callbacks, then fires due scheduler tasks.
type Loop struct {
	log       *slog.Logger
	sched     *scheduler.Scheduler
	clock     Clock
	readiness chan Readiness
	exit      chan struct{}
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithClock overrides the monotonic clock, for deterministic tests.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithReadinessBuffer sets the buffer size of the readiness channel.
func WithReadinessBuffer(n int) Option {
	return func(l *Loop) { l.readiness = make(chan Readiness, n) }
}

// New creates a Loop bound to sched. A nil logger falls back to
// slog.Default().
func New(log *slog.Logger, sched *scheduler.Scheduler, opts ...Option) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		log:       log,
		sched:     sched,
		clock:     func() int64 { return time.Now().UnixNano() },
		readiness: make(chan Readiness, 256),
		exit:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Scheduler returns the loop's bound scheduler.
func (l *Loop) Scheduler() *scheduler.Scheduler { return l.sched }

// Post enqueues a readiness callback to run on the loop's goroutine. Safe
// to call from any goroutine; this is the only cross-goroutine entry point
// into the loop's otherwise single-threaded state.
func (l *Loop) Post(r Readiness) {
	select {
	case l.readiness <- r:
	case <-l.exit:
	}
}

// RunOnce performs one pass: drain whatever readiness callbacks are
// already queued (in FIFO order, preserving the producer's own ordering),
// then fire every scheduler task whose deadline has passed. If no task is
// due yet, it blocks until either a readiness callback arrives or the
// nearest scheduler deadline elapses (with no timeout when no task is
// pending), then fires whatever has come due.
func (l *Loop) RunOnce() {
	l.drainReadiness()

	now := l.clock()
	deadline, ok := l.sched.NextDeadline()
	if !ok {
		// No timers pending: block until readiness arrives, with no
		// timeout, since there's nothing else to wait for.
		select {
		case r := <-l.readiness:
			l.invoke(r)
		case <-l.exit:
			return
		}
		l.sched.Fire(l.clock())
		return
	}

	if deadline <= now {
		l.sched.Fire(now)
		return
	}

	timer := time.NewTimer(time.Duration(deadline - now))
	defer timer.Stop()
	select {
	case r := <-l.readiness:
		l.invoke(r)
	case <-timer.C:
	case <-l.exit:
		return
	}
	l.sched.Fire(l.clock())
}

// Run loops RunOnce until Exit is called.
func (l *Loop) Run() {
	for {
		select {
		case <-l.exit:
			return
		default:
		}
		l.RunOnce()
	}
}

// Exit requests the loop stop after its current pass.
func (l *Loop) Exit() {
	select {
	case <-l.exit:
	default:
		close(l.exit)
	}
}

func (l *Loop) drainReadiness() {
	for {
		select {
		case r := <-l.readiness:
			l.invoke(r)
		default:
			return
		}
	}
}

func (l *Loop) invoke(r Readiness) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("eventloop: readiness callback panicked", "panic", rec)
		}
	}()
	r()
}
