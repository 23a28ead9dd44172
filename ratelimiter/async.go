package ratelimiter

import (
	"context"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/joeycumines/go-pacer/retry"
)

type (
	// AsyncOptions models optional configuration, for NewAsyncRateLimiter.
	AsyncOptions[T, R any] struct {
		Limit     int
		LimitFunc func(*AsyncRateLimiter[T, R]) int

		Window     time.Duration
		WindowFunc func(*AsyncRateLimiter[T, R]) time.Duration

		WindowType WindowType

		// OnReject is invoked after an offer is rejected.
		OnReject func(*AsyncRateLimiter[T, R])

		Enabled     *bool
		EnabledFunc func(*AsyncRateLimiter[T, R]) bool

		Key       string
		Scheduler pacer.Scheduler
		Observer  pacer.Observer

		OnStateChange func(AsyncState)
		InitialState  *AsyncState

		// RetryerOptions configures the per-admission [retry.Retryer].
		// Scheduler defaults to this instance's scheduler. The zero value
		// retries each admitted call up to the retry package's default
		// attempts.
		RetryerOptions retry.Options[T, R]

		// OnSuccess is invoked after each successful execution.
		OnSuccess func(result R, instance *AsyncRateLimiter[T, R])
		// OnError is invoked after each failed execution (after retries are
		// exhausted).
		OnError func(err error, instance *AsyncRateLimiter[T, R])
		// OnSettled is invoked after each execution, success or failure.
		OnSettled func(instance *AsyncRateLimiter[T, R])

		// ThrowOnError controls whether execution errors are returned from
		// MaybeExecute. Defaults to true when OnError is nil, false
		// otherwise.
		ThrowOnError *bool
	}

	// AsyncState is the observable state of an [AsyncRateLimiter].
	AsyncState struct {
		ExecutionTimes    []time.Time
		Status            Status
		ExecutionCount    int
		RejectionCount    int
		MaybeExecuteCount int
		SuccessCount      int
		ErrorCount        int
		SettleCount       int
		IsExceeded        bool
		IsExecuting       bool
	}

	// AsyncRateLimiter is the [RateLimiter] variant for asynchronous
	// operations. Each admitted call executes through its own
	// [retry.Retryer], keyed by an admission sequence number, so concurrent
	// admitted executions are independent: each has its own attempt count
	// and cancellation.
	//
	// Instances must be initialized using the NewAsyncRateLimiter factory.
	AsyncRateLimiter[T, R any] struct {
		fn        func(context.Context, T) (R, error)
		opts      AsyncOptions[T, R]
		scheduler pacer.Scheduler
		store     *pacer.Store[AsyncState]
		times     *ringBuffer[int64]
		timers    map[uint64]pacer.TimerHandle
		timerSeq  uint64
		retryers  map[uint64]*retry.Retryer[T, R]
		callSeq   uint64
		mu        sync.Mutex
	}
)

// StatusExecuting indicates at least one admitted execution is in flight.
const StatusExecuting Status = `executing`

// NewAsyncRateLimiter initializes a new AsyncRateLimiter wrapping fn, using
// the provided AsyncOptions, which may be the zero value. A panic will occur
// if fn is nil.
func NewAsyncRateLimiter[T, R any](fn func(context.Context, T) (R, error), opts AsyncOptions[T, R]) *AsyncRateLimiter[T, R] {
	if fn == nil {
		panic(`ratelimiter: nil operation`)
	}

	x := &AsyncRateLimiter[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		times:     newRingBuffer[int64](8),
		timers:    make(map[uint64]pacer.TimerHandle),
		retryers:  make(map[uint64]*retry.Retryer[T, R]),
	}

	var initial AsyncState
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.RejectionCount = opts.InitialState.RejectionCount
		initial.MaybeExecuteCount = opts.InitialState.MaybeExecuteCount
		initial.SuccessCount = opts.InitialState.SuccessCount
		initial.ErrorCount = opts.InitialState.ErrorCount
		initial.SettleCount = opts.InitialState.SettleCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(AsyncState) {
			opts.Observer.OnStateChange(pacer.EventAsyncRateLimiter, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *AsyncRateLimiter[T, R]) Store() *pacer.Store[AsyncState] { return x.store }

// GetState returns a copy of the current state.
func (x *AsyncRateLimiter[T, R]) GetState() AsyncState { return x.store.Get() }

// Options returns a copy of the current options.
func (x *AsyncRateLimiter[T, R]) Options() AsyncOptions[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options.
func (x *AsyncRateLimiter[T, R]) SetOptions(opts AsyncOptions[T, R]) {
	x.mu.Lock()
	x.opts.Limit = opts.Limit
	x.opts.LimitFunc = opts.LimitFunc
	x.opts.Window = opts.Window
	x.opts.WindowFunc = opts.WindowFunc
	x.opts.WindowType = opts.WindowType
	x.opts.OnReject = opts.OnReject
	x.opts.Enabled = opts.Enabled
	x.opts.EnabledFunc = opts.EnabledFunc
	x.opts.RetryerOptions = opts.RetryerOptions
	x.opts.OnSuccess = opts.OnSuccess
	x.opts.OnError = opts.OnError
	x.opts.OnSettled = opts.OnSettled
	x.opts.ThrowOnError = opts.ThrowOnError
	x.store.Update(func(*AsyncState) {})
	x.mu.Unlock()
}

// MaybeExecute offers args to the rate limiter. Admitted calls execute
// through a dedicated retryer, blocking until settled; ok reports admission.
// A rejected or disabled offer returns immediately with ok false and a nil
// error. An admitted execution's error is returned iff error surfacing is
// enabled (see AsyncOptions.ThrowOnError).
func (x *AsyncRateLimiter[T, R]) MaybeExecute(ctx context.Context, args T) (result R, ok bool, err error) {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.store.Update(func(s *AsyncState) {
			s.MaybeExecuteCount++
		})
		x.mu.Unlock()
		return result, false, nil
	}

	now := x.scheduler.Now()
	x.purgeLocked(now)

	if x.times.Len() >= x.limitLocked() {
		onReject := x.opts.OnReject
		x.store.Update(func(s *AsyncState) {
			s.MaybeExecuteCount++
			s.RejectionCount++
		})
		x.mu.Unlock()

		if onReject != nil {
			onReject(x)
		}
		return result, false, nil
	}

	wasEmpty := x.times.Len() == 0
	x.times.Push(now.UnixNano())

	retryOpts := x.opts.RetryerOptions
	if retryOpts.Scheduler == nil {
		retryOpts.Scheduler = x.scheduler
	}
	retryer := retry.NewRetryer(x.fn, retryOpts)

	x.callSeq++
	seq := x.callSeq
	x.retryers[seq] = retryer

	x.store.Update(func(s *AsyncState) {
		s.MaybeExecuteCount++
		s.ExecutionCount++
	})
	x.armExpirationLocked(wasEmpty)
	x.mu.Unlock()

	result, err = retryer.Execute(ctx, args)

	x.mu.Lock()
	delete(x.retryers, seq)
	throwOnError := pacer.BoolValue(x.opts.ThrowOnError, x.opts.OnError == nil)
	onSuccess := x.opts.OnSuccess
	onError := x.opts.OnError
	onSettled := x.opts.OnSettled
	x.store.Update(func(s *AsyncState) {
		s.SettleCount++
		if err != nil {
			s.ErrorCount++
		} else {
			s.SuccessCount++
		}
	})
	x.mu.Unlock()

	if err != nil {
		if onError != nil {
			onError(err, x)
		}
	} else if onSuccess != nil {
		onSuccess(result, x)
	}
	if onSettled != nil {
		onSettled(x)
	}

	if err != nil {
		var zero R
		if throwOnError {
			return zero, true, err
		}
		return zero, true, nil
	}
	return result, true, nil
}

// RemainingInWindow returns how many offers the current window can still
// admit.
func (x *AsyncRateLimiter[T, R]) RemainingInWindow() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return max(0, x.limitLocked()-x.inWindowCountLocked(x.scheduler.Now()))
}

// NextWindowIn returns how long until the next offer can be admitted, and 0
// if any capacity remains.
func (x *AsyncRateLimiter[T, R]) NextWindowIn() time.Duration {
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

// Reset clears the recorded timestamps and all counters, cancels every
// expiration timer, and aborts all in-flight executions. Idempotent.
func (x *AsyncRateLimiter[T, R]) Reset() {
	x.mu.Lock()
	for id, timer := range x.timers {
		timer.Stop()
		delete(x.timers, id)
	}
	retryers := make([]*retry.Retryer[T, R], 0, len(x.retryers))
	for _, r := range x.retryers {
		retryers = append(retryers, r)
	}
	x.times.RemoveBefore(x.times.Len())
	x.store.Update(func(s *AsyncState) {
		*s = AsyncState{}
	})
	x.mu.Unlock()

	for _, r := range retryers {
		r.Abort()
	}
}

func (x *AsyncRateLimiter[T, R]) derive(s *AsyncState) {
	now := x.scheduler.Now()
	s.ExecutionTimes = x.executionTimesLocked()
	s.IsExceeded = x.inWindowCountLocked(now) >= x.limitLocked()
	s.IsExecuting = len(x.retryers) != 0
	switch {
	case !x.enabledLocked():
		s.Status = StatusDisabled
	case s.IsExecuting:
		s.Status = StatusExecuting
	case s.IsExceeded:
		s.Status = StatusExceeded
	default:
		s.Status = StatusIdle
	}
}

func (x *AsyncRateLimiter[T, R]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *AsyncRateLimiter[T, R]) limitLocked() int {
	return pacer.Resolve(x.opts.LimitFunc, x.opts.Limit, x)
}

func (x *AsyncRateLimiter[T, R]) windowLocked() time.Duration {
	return pacer.Resolve(x.opts.WindowFunc, x.opts.Window, x)
}

func (x *AsyncRateLimiter[T, R]) windowTypeLocked() WindowType {
	if x.opts.WindowType == `` {
		return WindowTypeFixed
	}
	return x.opts.WindowType
}

func (x *AsyncRateLimiter[T, R]) executionTimesLocked() []time.Time {
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

func (x *AsyncRateLimiter[T, R]) purgeLocked(now time.Time) {
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

func (x *AsyncRateLimiter[T, R]) inWindowCountLocked(now time.Time) int {
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

func (x *AsyncRateLimiter[T, R]) armExpirationLocked(bucketStart bool) {
	if x.windowTypeLocked() == WindowTypeFixed && !bucketStart {
		return
	}

	x.timerSeq++
	id := x.timerSeq
	x.timers[id] = x.scheduler.Schedule(x.windowLocked(), func() {
		x.onExpiration(id)
	})
}

func (x *AsyncRateLimiter[T, R]) onExpiration(id uint64) {
	x.mu.Lock()
	if _, ok := x.timers[id]; !ok {
		x.mu.Unlock()
		return
	}
	delete(x.timers, id)
	x.purgeLocked(x.scheduler.Now())
	x.store.Update(func(*AsyncState) {})
	x.mu.Unlock()
}
