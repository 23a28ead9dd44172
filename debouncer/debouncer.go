// Package debouncer collapses bursts of calls into a single delayed
// invocation, with optional immediate leading-edge execution.
package debouncer

import (
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

type (
	// Options models optional configuration, for NewDebouncer.
	Options[T any] struct {
		// Wait is the quiet period that must elapse after the last call to
		// MaybeExecute before the trailing invocation fires.
		Wait time.Duration

		// WaitFunc overrides Wait when non-nil. It is resolved against the
		// instance at each use, and may depend on mutable state such as
		// counters.
		WaitFunc func(*Debouncer[T]) time.Duration

		// Leading fires the operation immediately on the first call of a
		// burst. Defaults to false.
		Leading bool

		// Trailing fires the operation on the trailing edge of the wait
		// period, with the last-offered arguments. Defaults to true, see
		// [pacer.Bool].
		Trailing *bool

		// Enabled gates execution. Defaults to true. While disabled, calls
		// to MaybeExecute are ignored, and any pending trailing execution is
		// abandoned.
		Enabled *bool

		// EnabledFunc overrides Enabled when non-nil, resolved at each use.
		EnabledFunc func(*Debouncer[T]) bool

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

		// OnStateChange is subscribed to the state store, receiving a copy
		// of the state after every update. The same warning as Observer
		// applies.
		OnStateChange func(State[T])

		// InitialState merges counter values over the defaults, e.g. to
		// restore a persisted instance.
		InitialState *State[T]
	}

	// Status is the derived lifecycle state of a [Debouncer].
	Status string

	// State is the observable state of a [Debouncer]. Snapshots returned by
	// [Debouncer.GetState] are copies.
	State[T any] struct {
		// LastArgs is the most recent argument offered, nil once consumed
		// by an execution, or cleared by Cancel or Reset.
		LastArgs *T
		// Status is derived: StatusDisabled, StatusPending, or StatusIdle.
		Status Status
		// ExecutionCount is the number of actual invocations of the
		// operation.
		ExecutionCount int
		// IsPending indicates a trailing execution is scheduled.
		IsPending bool
		// CanLeadingExecute indicates the next burst may fire on the
		// leading edge.
		CanLeadingExecute bool
	}

	// Debouncer wraps an operation so that bursts of calls collapse into a
	// single invocation, after a quiet period, optionally also firing
	// immediately on the leading edge of each burst.
	//
	// All methods are safe for concurrent use. The operation is invoked
	// outside the instance's lock.
	//
	// Instances must be initialized using the NewDebouncer factory.
	Debouncer[T any] struct {
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

// NewDebouncer initializes a new Debouncer wrapping fn, using the provided
// Options, which may be the zero value. A panic will occur if fn is nil.
func NewDebouncer[T any](fn func(T), opts Options[T]) *Debouncer[T] {
	if fn == nil {
		panic(`debouncer: nil operation`)
	}

	x := &Debouncer[T]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
	}

	initial := State[T]{CanLeadingExecute: true}
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State[T]) {
			opts.Observer.OnStateChange(pacer.EventDebouncer, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store, e.g. for [pacer.Store.Subscribe].
func (x *Debouncer[T]) Store() *pacer.Store[State[T]] { return x.store }

// GetState returns a copy of the current state.
func (x *Debouncer[T]) GetState() State[T] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *Debouncer[T]) Options() Options[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. If the instance becomes disabled as a
// result, any pending trailing execution is abandoned (a later re-enable
// will not fire it).
func (x *Debouncer[T]) SetOptions(opts Options[T]) {
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

// MaybeExecute offers args to the debouncer. Depending on the edge policy it
// may invoke the operation synchronously (leading edge), schedule a trailing
// invocation with the latest offered arguments, or both.
func (x *Debouncer[T]) MaybeExecute(args T) {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.mu.Unlock()
		return
	}

	var didLeading bool
	if x.opts.Leading && x.store.Get().CanLeadingExecute {
		didLeading = true
	}

	trailing := pacer.BoolValue(x.opts.Trailing, true)

	x.store.Update(func(s *State[T]) {
		args := args
		s.LastArgs = &args
		if didLeading {
			s.CanLeadingExecute = false
		}
		if trailing {
			s.IsPending = true
		}
		if didLeading {
			s.ExecutionCount++
		}
	})

	// a new offer always resets the quiet period
	x.stopTimerLocked()
	x.armTimerLocked(didLeading)

	x.mu.Unlock()

	if didLeading {
		x.fn(args)
	}
}

// Cancel abandons any pending trailing execution, discards the stored
// arguments, and re-arms the leading edge. Idempotent.
func (x *Debouncer[T]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(s *State[T]) {
		s.IsPending = false
		s.CanLeadingExecute = true
		s.LastArgs = nil
	})
	x.mu.Unlock()
}

// Flush executes any pending trailing invocation immediately, canceling its
// timer. It is a no-op when nothing is pending.
func (x *Debouncer[T]) Flush() {
	x.mu.Lock()

	state := x.store.Get()
	if !state.IsPending || state.LastArgs == nil || !x.enabledLocked() {
		x.mu.Unlock()
		return
	}
	args := *state.LastArgs

	x.stopTimerLocked()
	x.store.Update(func(s *State[T]) {
		s.IsPending = false
		s.CanLeadingExecute = true
		s.LastArgs = nil
		s.ExecutionCount++
	})

	x.mu.Unlock()

	x.fn(args)
}

// Reset restores the default state, discarding any pending execution and all
// counters. Idempotent.
func (x *Debouncer[T]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(s *State[T]) {
		*s = State[T]{CanLeadingExecute: true}
	})
	x.mu.Unlock()
}

func (x *Debouncer[T]) derive(s *State[T]) {
	switch {
	case !x.enabledLocked():
		s.Status = StatusDisabled
	case s.IsPending:
		s.Status = StatusPending
	default:
		s.Status = StatusIdle
	}
}

func (x *Debouncer[T]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *Debouncer[T]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *Debouncer[T]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

func (x *Debouncer[T]) armTimerLocked(didLeading bool) {
	seq := x.timerSeq
	x.timer = x.scheduler.Schedule(x.waitLocked(), func() {
		x.onTimer(seq, didLeading)
	})
}

func (x *Debouncer[T]) onTimer(seq uint64, didLeading bool) {
	x.mu.Lock()

	if seq != x.timerSeq {
		// superseded or canceled while firing
		x.mu.Unlock()
		return
	}
	x.timer = nil

	state := x.store.Get()
	trailing := pacer.BoolValue(x.opts.Trailing, true)
	shouldExecute := trailing && !didLeading && state.IsPending &&
		state.LastArgs != nil && x.enabledLocked()

	var args T
	if shouldExecute {
		args = *state.LastArgs
	}

	x.store.Update(func(s *State[T]) {
		s.CanLeadingExecute = true
		s.IsPending = false
		if shouldExecute {
			s.LastArgs = nil
			s.ExecutionCount++
		}
	})

	x.mu.Unlock()

	if shouldExecute {
		x.fn(args)
	}
}
