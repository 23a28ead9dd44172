// Package throttler guarantees at most one invocation per wait window,
// optionally firing on the leading and trailing edges of each window.
package throttler

import (
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

type (
	// Options models optional configuration, for NewThrottler.
	Options[T any] struct {
		// Wait is the minimum spacing between any two invocations.
		Wait time.Duration

		// WaitFunc overrides Wait when non-nil, resolved at each use.
		WaitFunc func(*Throttler[T]) time.Duration

		// Leading fires immediately when a call arrives at least Wait after
		// the previous invocation. Defaults to true, see [pacer.Bool].
		Leading *bool

		// Trailing fires at the end of the window with the latest offered
		// arguments. Defaults to true.
		Trailing *bool

		// Enabled gates execution. Defaults to true.
		Enabled *bool

		// EnabledFunc overrides Enabled when non-nil, resolved at each use.
		EnabledFunc func(*Throttler[T]) bool

		// Key identifies this instance to the Observer.
		Key string

		// Scheduler is the timer capability. Defaults to
		// [pacer.SystemScheduler].
		Scheduler pacer.Scheduler

		// Observer receives a state-change notification after every state
		// update.
		//
		// WARNING: Invoked synchronously, and must not re-enter the
		// instance's mutating methods.
		Observer pacer.Observer

		// OnStateChange is subscribed to the state store. The same warning
		// as Observer applies.
		OnStateChange func(State[T])

		// InitialState merges counter values over the defaults.
		InitialState *State[T]
	}

	// Status is the derived lifecycle state of a [Throttler].
	Status string

	// State is the observable state of a [Throttler]. Snapshots are copies.
	State[T any] struct {
		// LastExecutionTime is the time of the most recent invocation, and
		// is zero before the first.
		LastExecutionTime time.Time
		// NextExecutionTime is LastExecutionTime plus the wait, i.e. the
		// earliest time the next leading invocation may fire.
		NextExecutionTime time.Time
		// LastArgs is the most recent argument offered and not yet
		// consumed.
		LastArgs *T
		Status   Status
		// ExecutionCount is the number of actual invocations.
		ExecutionCount int
		// IsPending indicates a trailing execution is scheduled.
		IsPending bool
	}

	// Throttler wraps an operation so that at most one invocation occurs per
	// wait window. A newer offer arriving with the trailing timer already
	// armed replaces the stored arguments without re-arming the timer,
	// preserving the window spacing.
	//
	// All methods are safe for concurrent use. The operation is invoked
	// outside the instance's lock.
	//
	// Instances must be initialized using the NewThrottler factory.
	Throttler[T any] struct {
		fn        func(T)
		opts      Options[T]
		scheduler pacer.Scheduler
		store     *pacer.Store[State[T]]
		timer     pacer.TimerHandle
		timerSeq  uint64
		mu        sync.Mutex
	}
)

const (
	StatusIdle     Status = `idle`
	StatusPending  Status = `pending`
	StatusDisabled Status = `disabled`
)

// NewThrottler initializes a new Throttler wrapping fn, using the provided
// Options, which may be the zero value. A panic will occur if fn is nil.
func NewThrottler[T any](fn func(T), opts Options[T]) *Throttler[T] {
	if fn == nil {
		panic(`throttler: nil operation`)
	}

	x := &Throttler[T]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
	}

	var initial State[T]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.LastExecutionTime = opts.InitialState.LastExecutionTime
		initial.NextExecutionTime = opts.InitialState.NextExecutionTime
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State[T]) {
			opts.Observer.OnStateChange(pacer.EventThrottler, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *Throttler[T]) Store() *pacer.Store[State[T]] { return x.store }

// GetState returns a copy of the current state.
func (x *Throttler[T]) GetState() State[T] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *Throttler[T]) Options() Options[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. Disabling abandons any pending trailing
// execution.
func (x *Throttler[T]) SetOptions(opts Options[T]) {
	x.mu.Lock()
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.Leading = opts.Leading
	x.opts.Trailing = opts.Trailing
	x.opts.Enabled = opts.Enabled
	x.opts.EnabledFunc = opts.EnabledFunc
	enabled := x.enabledLocked()
	if !enabled {
		x.stopTimerLocked()
	}
	x.store.Update(func(s *State[T]) {
		if !enabled {
			s.IsPending = false
			s.LastArgs = nil
		}
	})
	x.mu.Unlock()
}

// MaybeExecute offers args to the throttler. If at least the wait has
// elapsed since the previous invocation and the leading edge is enabled, the
// operation is invoked synchronously; otherwise the arguments are stored for
// the trailing edge of the current window.
func (x *Throttler[T]) MaybeExecute(args T) {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.mu.Unlock()
		return
	}

	now := x.scheduler.Now()
	wait := x.waitLocked()
	state := x.store.Get()

	if pacer.BoolValue(x.opts.Leading, true) && x.windowElapsedLocked(state, now, wait) {
		x.executeLocked(now, wait)
		x.mu.Unlock()
		x.fn(args)
		return
	}

	armTimer := pacer.BoolValue(x.opts.Trailing, true) && x.timer == nil

	x.store.Update(func(s *State[T]) {
		args := args
		s.LastArgs = &args
		if armTimer {
			s.IsPending = true
		}
	})

	if armTimer {
		var delay time.Duration
		if !state.LastExecutionTime.IsZero() {
			delay = max(0, wait-now.Sub(state.LastExecutionTime))
		}
		seq := x.timerSeq
		x.timer = x.scheduler.Schedule(delay, func() { x.onTimer(seq) })
	}

	x.mu.Unlock()
}

// Flush executes any pending trailing invocation immediately, canceling its
// timer. It is a no-op when nothing is pending.
func (x *Throttler[T]) Flush() {
	x.mu.Lock()

	state := x.store.Get()
	if !state.IsPending || state.LastArgs == nil || !x.enabledLocked() {
		x.mu.Unlock()
		return
	}
	args := *state.LastArgs

	x.stopTimerLocked()
	now := x.scheduler.Now()
	x.executeLocked(now, x.waitLocked())
	x.mu.Unlock()

	x.fn(args)
}

// Cancel discards the trailing timer and the stored arguments. It does not
// change LastExecutionTime, so window spacing is preserved. Idempotent.
func (x *Throttler[T]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(s *State[T]) {
		s.IsPending = false
		s.LastArgs = nil
	})
	x.mu.Unlock()
}

// Reset restores the default state, discarding any pending execution, all
// counters, and the execution times. Idempotent.
func (x *Throttler[T]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(s *State[T]) {
		*s = State[T]{}
	})
	x.mu.Unlock()
}

func (x *Throttler[T]) derive(s *State[T]) {
	switch {
	case !x.enabledLocked():
		s.Status = StatusDisabled
	case s.IsPending:
		s.Status = StatusPending
	default:
		s.Status = StatusIdle
	}
}

func (x *Throttler[T]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *Throttler[T]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *Throttler[T]) windowElapsedLocked(state State[T], now time.Time, wait time.Duration) bool {
	return state.LastExecutionTime.IsZero() || now.Sub(state.LastExecutionTime) >= wait
}

func (x *Throttler[T]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

// executeLocked updates state for an invocation at now; the caller invokes
// the operation after releasing the lock.
func (x *Throttler[T]) executeLocked(now time.Time, wait time.Duration) {
	x.store.Update(func(s *State[T]) {
		s.LastExecutionTime = now
		s.NextExecutionTime = now.Add(wait)
		s.LastArgs = nil
		s.IsPending = false
		s.ExecutionCount++
	})
}

func (x *Throttler[T]) onTimer(seq uint64) {
	x.mu.Lock()

	if seq != x.timerSeq {
		x.mu.Unlock()
		return
	}
	x.timer = nil

	state := x.store.Get()
	if state.LastArgs == nil || !x.enabledLocked() {
		x.store.Update(func(s *State[T]) {
			s.IsPending = false
		})
		x.mu.Unlock()
		return
	}
	args := *state.LastArgs

	now := x.scheduler.Now()
	x.executeLocked(now, x.waitLocked())
	x.mu.Unlock()

	x.fn(args)
}
