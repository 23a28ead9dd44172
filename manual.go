package pacer

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type (
	// ManualScheduler is a [Scheduler] driven by virtual time. Time only
	// moves when [ManualScheduler.Advance] or [ManualScheduler.AdvanceTo] is
	// called, at which point any due timer callbacks are run, synchronously,
	// on the calling goroutine, in order of due time (FIFO for equal due
	// times). Callbacks may schedule further timers, which will fire within
	// the same advance if they fall due inside it.
	//
	// Instances must be initialized using the [NewManualScheduler] factory.
	ManualScheduler struct {
		now    time.Time
		timers []*manualTimer
		seq    uint64
		mu     sync.Mutex
	}

	manualTimer struct {
		owner   *ManualScheduler
		fn      func()
		due     time.Time
		seq     uint64
		stopped bool
	}
)

// NewManualScheduler creates a new ManualScheduler whose virtual clock starts
// at the given time. A zero start is fine; only durations between events are
// meaningful.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the current virtual time.
func (x *ManualScheduler) Now() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.now
}

// Schedule arms a one-shot virtual timer. The callback will not run until
// virtual time reaches now+d via an advance.
func (x *ManualScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	if d < 0 {
		d = 0
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.seq++
	timer := &manualTimer{
		owner: x,
		fn:    fn,
		due:   x.now.Add(d),
		seq:   x.seq,
	}

	i, _ := slices.BinarySearchFunc(x.timers, timer, compareManualTimers)
	x.timers = slices.Insert(x.timers, i, timer)

	return timer
}

// Advance moves virtual time forward by d, firing due timers. Panics if d is
// negative.
func (x *ManualScheduler) Advance(d time.Duration) {
	if d < 0 {
		panic(`pacer: manual scheduler: negative advance`)
	}
	x.AdvanceTo(x.Now().Add(d))
}

// AdvanceTo moves virtual time forward to t, firing due timers. Target times
// in the past are ignored (time never moves backwards).
func (x *ManualScheduler) AdvanceTo(t time.Time) {
	for {
		x.mu.Lock()

		if len(x.timers) == 0 || x.timers[0].due.After(t) {
			if t.After(x.now) {
				x.now = t
			}
			x.mu.Unlock()
			return
		}

		timer := x.timers[0]
		x.timers = x.timers[1:]

		if timer.due.After(x.now) {
			x.now = timer.due
		}

		x.mu.Unlock()

		// run outside the lock, the callback may schedule or stop timers
		timer.fn()
	}
}

// Pending returns the number of armed (not yet fired or stopped) timers.
func (x *ManualScheduler) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.timers)
}

func (x *manualTimer) Stop() bool {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	if x.stopped {
		return false
	}
	for i, timer := range x.owner.timers {
		if timer == x {
			x.stopped = true
			x.owner.timers = slices.Delete(x.owner.timers, i, i+1)
			return true
		}
	}
	// not armed: it already fired, or is mid-fire
	return false
}

func compareManualTimers(a, b *manualTimer) int {
	if c := a.due.Compare(b.due); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}
