package pacer

import (
	"time"
)

type (
	// Clock provides the current time. Implementations must be monotonic in
	// the sense that successive calls never move backwards.
	Clock interface {
		Now() time.Time
	}

	// TimerHandle is a cancelable one-shot timer, as returned by
	// [Scheduler.Schedule]. Stop reports whether the timer was canceled
	// before its callback started running. Stop is safe to call more than
	// once.
	TimerHandle interface {
		Stop() bool
	}

	// Scheduler is the timer capability consumed by every primitive. It arms
	// single-shot timers; re-arming is always the caller's responsibility.
	//
	// The zero scheduler for all primitives is [SystemScheduler]. Tests
	// should inject a [ManualScheduler] instead, so timing behavior can be
	// driven deterministically.
	Scheduler interface {
		Clock

		// Schedule arms a one-shot timer that invokes fn after d has
		// elapsed. A non-positive d schedules fn as soon as possible, never
		// synchronously within Schedule.
		Schedule(d time.Duration, fn func()) TimerHandle
	}

	systemScheduler struct{}
)

var system Scheduler = systemScheduler{}

// SystemScheduler returns the wall-clock [Scheduler], backed by
// [time.AfterFunc]. Callbacks run on their own goroutine.
func SystemScheduler() Scheduler { return system }

func (systemScheduler) Now() time.Time { return time.Now() }

func (systemScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}

// DefaultScheduler returns scheduler if non-nil, and [SystemScheduler]
// otherwise. It is used by the primitive constructors to resolve their
// scheduler option.
func DefaultScheduler(scheduler Scheduler) Scheduler {
	if scheduler != nil {
		return scheduler
	}
	return system
}
