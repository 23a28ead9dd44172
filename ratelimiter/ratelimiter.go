// Package ratelimiter permits up to a configurable number of invocations per
// time window, rejecting the rest, with fixed- or sliding-window counting.
package ratelimiter

import (
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

// WindowType selects the counting semantics of a rate limiter.
type WindowType string

const (
	// WindowTypeFixed starts the window at the first recorded invocation of
	// the current bucket, and resets it fully once the window has elapsed
	// since that first entry. The default.
	WindowTypeFixed WindowType = `fixed`

	// WindowTypeSliding admits an invocation iff strictly fewer than the
	// limit of recorded timestamps lie within the trailing window.
	WindowTypeSliding WindowType = `sliding`
)

type (
	// Options models optional configuration, for NewRateLimiter.
	Options[T any] struct {
		// Limit is the maximum number of invocations per window. A
		// non-positive limit admits nothing; this is intentionally not
		// validated.
		Limit int

		// LimitFunc overrides Limit when non-nil, resolved at each use.
		LimitFunc func(*RateLimiter[T]) int

		// Window is the length of the counting window.
		Window time.Duration

		// WindowFunc overrides Window when non-nil, resolved at each use.
		WindowFunc func(*RateLimiter[T]) time.Duration

		// WindowType selects fixed or sliding counting. Defaults to
		// [WindowTypeFixed].
		WindowType WindowType

		// OnReject is invoked after an offer is rejected.
		OnReject func(*RateLimiter[T])

		// Enabled gates execution. Defaults to true. Offers while disabled
		// return false without counting a rejection.
		Enabled *bool

		// EnabledFunc overrides Enabled when non-nil, resolved at each use.
		EnabledFunc func(*RateLimiter[T]) bool

		// Key identifies this instance to the Observer.
		Key string

		// Scheduler is the timer capability, used for expiring recorded
		// timestamps. Defaults to [pacer.SystemScheduler].
		Scheduler pacer.Scheduler

		// Observer receives a state-change notification after every state
		// update.
		//
		// WARNING: Invoked synchronously, and must not re-enter the
		// instance's mutating methods.
		Observer pacer.Observer

		// OnStateChange is subscribed to the state store. The same warning
		// as Observer applies.
		OnStateChange func(State)

		// InitialState merges counter values over the defaults.
		InitialState *State
	}

	// Status is the derived lifecycle state of a [RateLimiter].
	Status string

	// State is the observable state of a [RateLimiter]. Snapshots are
	// copies; ExecutionTimes is freshly allocated on every update.
	State struct {
		// ExecutionTimes are the recorded timestamps of the current window.
		ExecutionTimes []time.Time
		Status         Status
		// ExecutionCount is the number of admitted invocations.
		ExecutionCount int
		// RejectionCount is the number of rejected offers.
		RejectionCount int
		// MaybeExecuteCount is the number of offers, admitted or not.
		MaybeExecuteCount int
		// IsExceeded indicates the current window is at its limit.
		IsExceeded bool
	}

	// RateLimiter wraps an operation so that at most a configured number of
	// invocations occur per time window; offers beyond the limit are
	// rejected, never queued. Recorded timestamps are purged by one-shot
	// expiration timers, so IsExceeded converges without polling.
	//
	// All methods are safe for concurrent use. The operation is invoked
	// outside the instance's lock.
	//
	// Instances must be initialized using the NewRateLimiter factory.
	RateLimiter[T any] struct {
		fn        func(T)
		opts      Options[T]
		scheduler pacer.Scheduler
		store     *pacer.Store[State]
		times     *ringBuffer[int64]
		timers    map[uint64]pacer.TimerHandle
		timerSeq  uint64
		mu        sync.Mutex
	}
)

const (
	StatusIdle     Status = `idle`
	StatusExceeded Status = `exceeded`
	StatusDisabled Status = `disabled`
)

// NewRateLimiter initializes a new RateLimiter wrapping fn, using the
// provided Options, which may be the zero value. A panic will occur if fn is
// nil.
func NewRateLimiter[T any](fn func(T), opts Options[T]) *RateLimiter[T] {
	if fn == nil {
		panic(`ratelimiter: nil operation`)
	}

	x := &RateLimiter[T]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		times:     newRingBuffer[int64](8),
		timers:    make(map[uint64]pacer.TimerHandle),
	}

	var initial State
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.RejectionCount = opts.InitialState.RejectionCount
		initial.MaybeExecuteCount = opts.InitialState.MaybeExecuteCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State) {
			opts.Observer.OnStateChange(pacer.EventRateLimiter, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *RateLimiter[T]) Store() *pacer.Store[State] { return x.store }

// GetState returns a copy of the current state.
func (x *RateLimiter[T]) GetState() State { return x.store.Get() }

// Options returns a copy of the current options.
func (x *RateLimiter[T]) Options() Options[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options.
func (x *RateLimiter[T]) SetOptions(opts Options[T]) {
	x.mu.Lock()
	x.opts.Limit = opts.Limit
	x.opts.LimitFunc = opts.LimitFunc
	x.opts.Window = opts.Window
	x.opts.WindowFunc = opts.WindowFunc
	x.opts.WindowType = opts.WindowType
	x.opts.OnReject = opts.OnReject
	x.opts.Enabled = opts.Enabled
	x.opts.EnabledFunc = opts.EnabledFunc
	x.store.Update(func(*State) {})
	x.mu.Unlock()
}

// MaybeExecute offers args to the rate limiter. If the current window has
// capacity, the invocation is recorded and the operation invoked
// synchronously, returning true; otherwise the offer is rejected, OnReject
// fires, and false is returned.
func (x *RateLimiter[T]) MaybeExecute(args T) bool {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.store.Update(func(s *State) {
			s.MaybeExecuteCount++
		})
		x.mu.Unlock()
		return false
	}

	now := x.scheduler.Now()
	x.purgeLocked(now)

	if x.times.Len() < x.limitLocked() {
		wasEmpty := x.times.Len() == 0
		x.times.Push(now.UnixNano())
		x.store.Update(func(s *State) {
			s.MaybeExecuteCount++
			s.ExecutionCount++
		})
		x.armExpirationLocked(wasEmpty)
		x.mu.Unlock()

		x.fn(args)
		return true
	}

	onReject := x.opts.OnReject
	x.store.Update(func(s *State) {
		s.MaybeExecuteCount++
		s.RejectionCount++
	})
	x.mu.Unlock()

	if onReject != nil {
		onReject(x)
	}
	return false
}

// RemainingInWindow returns how many offers the current window can still
// admit.
func (x *RateLimiter[T]) RemainingInWindow() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return max(0, x.limitLocked()-x.inWindowCountLocked(x.scheduler.Now()))
}

// NextWindowIn returns how long until the next offer can be admitted, and 0
// if any capacity remains.
func (x *RateLimiter[T]) NextWindowIn() time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.scheduler.Now()
	if x.limitLocked()-x.inWindowCountLocked(now) > 0 {
		return 0
	}

	window := x.windowLocked()
	var oldest int64
	switch x.windowTypeLocked() {
	case WindowTypeSliding:
		i := x.times.Search(now.Add(-window).UnixNano() + 1)
		if i >= x.times.Len() {
			return 0
		}
		oldest = x.times.Get(i)
	default:
		if x.times.Len() == 0 {
			return 0
		}
		oldest = x.times.Get(0)
	}

	return max(0, time.Unix(0, oldest).Add(window).Sub(now))
}

// Reset clears the recorded timestamps and all counters, canceling every
// expiration timer. Idempotent.
func (x *RateLimiter[T]) Reset() {
	x.mu.Lock()
	x.cancelTimersLocked()
	x.times.RemoveBefore(x.times.Len())
	x.store.Update(func(s *State) {
		*s = State{}
	})
	x.mu.Unlock()
}

func (x *RateLimiter[T]) derive(s *State) {
	now := x.scheduler.Now()
	s.ExecutionTimes = x.executionTimesLocked()
	s.IsExceeded = x.inWindowCountLocked(now) >= x.limitLocked()
	switch {
	case !x.enabledLocked():
		s.Status = StatusDisabled
	case s.IsExceeded:
		s.Status = StatusExceeded
	default:
		s.Status = StatusIdle
	}
}

func (x *RateLimiter[T]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *RateLimiter[T]) limitLocked() int {
	return pacer.Resolve(x.opts.LimitFunc, x.opts.Limit, x)
}

func (x *RateLimiter[T]) windowLocked() time.Duration {
	return pacer.Resolve(x.opts.WindowFunc, x.opts.Window, x)
}

func (x *RateLimiter[T]) windowTypeLocked() WindowType {
	if x.opts.WindowType == `` {
		return WindowTypeFixed
	}
	return x.opts.WindowType
}

func (x *RateLimiter[T]) executionTimesLocked() []time.Time {
	nanos := x.times.Slice()
	if len(nanos) == 0 {
		return nil
	}
	times := make([]time.Time, len(nanos))
	for i, v := range nanos {
		times[i] = time.Unix(0, v)
	}
	return times
}

// purgeLocked discards timestamps that no longer count toward the current
// window.
func (x *RateLimiter[T]) purgeLocked(now time.Time) {
	if x.times.Len() == 0 {
		return
	}
	window := x.windowLocked()
	switch x.windowTypeLocked() {
	case WindowTypeSliding:
		x.times.RemoveBefore(x.times.Search(now.Add(-window).UnixNano() + 1))
	default:
		if now.UnixNano()-x.times.Get(0) >= int64(window) {
			x.times.RemoveBefore(x.times.Len())
		}
	}
}

// inWindowCountLocked counts timestamps within the current window, without
// mutating the buffer.
func (x *RateLimiter[T]) inWindowCountLocked(now time.Time) int {
	if x.times.Len() == 0 {
		return 0
	}
	window := x.windowLocked()
	switch x.windowTypeLocked() {
	case WindowTypeSliding:
		return x.times.Len() - x.times.Search(now.Add(-window).UnixNano()+1)
	default:
		if now.UnixNano()-x.times.Get(0) >= int64(window) {
			return 0
		}
		return x.times.Len()
	}
}

// armExpirationLocked schedules the purge for the entry just recorded: one
// timer per admission for sliding windows, one per bucket for fixed.
func (x *RateLimiter[T]) armExpirationLocked(bucketStart bool) {
	if x.windowTypeLocked() == WindowTypeFixed && !bucketStart {
		return
	}

	x.timerSeq++
	id := x.timerSeq
	x.timers[id] = x.scheduler.Schedule(x.windowLocked(), func() {
		x.onExpiration(id)
	})
}

func (x *RateLimiter[T]) onExpiration(id uint64) {
	x.mu.Lock()
	if _, ok := x.timers[id]; !ok {
		x.mu.Unlock()
		return
	}
	delete(x.timers, id)
	x.purgeLocked(x.scheduler.Now())
	x.store.Update(func(*State) {})
	x.mu.Unlock()
}

func (x *RateLimiter[T]) cancelTimersLocked() {
	for id, timer := range x.timers {
		timer.Stop()
		delete(x.timers, id)
	}
}
