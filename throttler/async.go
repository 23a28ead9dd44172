package throttler

import (
	"context"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

type (
	// AsyncOptions models optional configuration, for NewAsyncThrottler.
	AsyncOptions[T, R any] struct {
		Wait     time.Duration
		WaitFunc func(*AsyncThrottler[T, R]) time.Duration

		Leading  *bool
		Trailing *bool

		Enabled     *bool
		EnabledFunc func(*AsyncThrottler[T, R]) bool

		Key       string
		Scheduler pacer.Scheduler
		Observer  pacer.Observer

		OnStateChange func(AsyncState[T, R])
		InitialState  *AsyncState[T, R]

		// OnSuccess is invoked after each successful execution.
		OnSuccess func(result R, instance *AsyncThrottler[T, R])
		// OnError is invoked after each failed execution.
		OnError func(err error, instance *AsyncThrottler[T, R])
		// OnSettled is invoked after each execution, success or failure.
		OnSettled func(instance *AsyncThrottler[T, R])

		// ThrowOnError controls whether execution errors surface through
		// [Execution.Wait]. Defaults to true when OnError is nil, false
		// otherwise.
		ThrowOnError *bool
	}

	// AsyncState is the observable state of an [AsyncThrottler].
	AsyncState[T, R any] struct {
		LastExecutionTime time.Time
		NextExecutionTime time.Time
		LastArgs          *T
		LastResult        *R
		Status            Status
		ExecutionCount    int
		SuccessCount      int
		ErrorCount        int
		SettleCount       int
		IsPending         bool
		IsExecuting       bool
	}

	// Execution is the completion handle returned by
	// [AsyncThrottler.MaybeExecute]. When an offer is superseded by a newer
	// one within the same window, its handle settles immediately with the
	// most recent completed result; only the newest offer's handle awaits
	// the actual trailing execution.
	Execution[R any] struct {
		done   chan struct{}
		result R
		err    error
	}

	// AsyncThrottler is the [Throttler] variant for operations that do work
	// asynchronously and carry a result back to the caller.
	//
	// Instances must be initialized using the NewAsyncThrottler factory.
	AsyncThrottler[T, R any] struct {
		fn        func(context.Context, T) (R, error)
		opts      AsyncOptions[T, R]
		scheduler pacer.Scheduler
		store     *pacer.Store[AsyncState[T, R]]
		timer     pacer.TimerHandle
		timerSeq  uint64
		waiting   *Execution[R]
		cancels   map[uint64]context.CancelFunc
		cancelSeq uint64
		mu        sync.Mutex
	}
)

// StatusExecuting indicates an asynchronous execution is in flight.
const StatusExecuting Status = `executing`

func newExecution[R any]() *Execution[R] {
	return &Execution[R]{done: make(chan struct{})}
}

// Wait blocks until the execution settles, or ctx cancels. See
// AsyncOptions.ThrowOnError for error surfacing; superseded offers, and
// offers abandoned by disabling, settle with the most recent completed result
// and nil error; offers outstanding at [AsyncThrottler.Cancel] settle with a
// zero result and nil error.
func (x *Execution[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	case <-x.done:
		return x.result, x.err
	}
}

// Done returns a channel closed once the execution settles.
func (x *Execution[R]) Done() <-chan struct{} { return x.done }

func (x *Execution[R]) resolve(result R, err error) {
	x.result = result
	x.err = err
	close(x.done)
}

// NewAsyncThrottler initializes a new AsyncThrottler wrapping fn, using the
// provided AsyncOptions, which may be the zero value. A panic will occur if
// fn is nil.
func NewAsyncThrottler[T, R any](fn func(context.Context, T) (R, error), opts AsyncOptions[T, R]) *AsyncThrottler[T, R] {
	if fn == nil {
		panic(`throttler: nil operation`)
	}

	x := &AsyncThrottler[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		cancels:   make(map[uint64]context.CancelFunc),
	}

	var initial AsyncState[T, R]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.SuccessCount = opts.InitialState.SuccessCount
		initial.ErrorCount = opts.InitialState.ErrorCount
		initial.SettleCount = opts.InitialState.SettleCount
		initial.LastExecutionTime = opts.InitialState.LastExecutionTime
		initial.NextExecutionTime = opts.InitialState.NextExecutionTime
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(AsyncState[T, R]) {
			opts.Observer.OnStateChange(pacer.EventAsyncThrottler, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *AsyncThrottler[T, R]) Store() *pacer.Store[AsyncState[T, R]] { return x.store }

// GetState returns a copy of the current state.
func (x *AsyncThrottler[T, R]) GetState() AsyncState[T, R] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *AsyncThrottler[T, R]) Options() AsyncOptions[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. Disabling abandons any pending trailing
// execution, settling its handle with the most recent completed result.
func (x *AsyncThrottler[T, R]) SetOptions(opts AsyncOptions[T, R]) {
	x.mu.Lock()
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.Leading = opts.Leading
	x.opts.Trailing = opts.Trailing
	x.opts.Enabled = opts.Enabled
	x.opts.EnabledFunc = opts.EnabledFunc
	x.opts.OnSuccess = opts.OnSuccess
	x.opts.OnError = opts.OnError
	x.opts.OnSettled = opts.OnSettled
	x.opts.ThrowOnError = opts.ThrowOnError
	enabled := x.enabledLocked()
	var waiting *Execution[R]
	var last R
	if !enabled {
		x.stopTimerLocked()
		waiting = x.waiting
		x.waiting = nil
		last = x.lastResultLocked()
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		if !enabled {
			s.IsPending = false
			s.LastArgs = nil
		}
	})
	x.mu.Unlock()

	if waiting != nil {
		waiting.resolve(last, nil)
	}
}

// MaybeExecute offers args to the throttler, returning a completion handle,
// or nil while disabled.
func (x *AsyncThrottler[T, R]) MaybeExecute(args T) *Execution[R] {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.mu.Unlock()
		return nil
	}

	now := x.scheduler.Now()
	wait := x.waitLocked()
	state := x.store.Get()

	if pacer.BoolValue(x.opts.Leading, true) &&
		(state.LastExecutionTime.IsZero() || now.Sub(state.LastExecutionTime) >= wait) {
		handle := newExecution[R]()
		x.mu.Unlock()
		go x.execute(args, handle)
		return handle
	}

	handle := newExecution[R]()
	lastResult := x.lastResultLocked()

	trailing := pacer.BoolValue(x.opts.Trailing, true)
	if !trailing {
		// no trailing edge: the offer can never execute, so its handle
		// settles immediately with the most recent completed result
		x.store.Update(func(s *AsyncState[T, R]) {
			args := args
			s.LastArgs = &args
		})
		x.mu.Unlock()

		handle.resolve(lastResult, nil)
		return handle
	}

	superseded := x.waiting
	x.waiting = handle

	armTimer := x.timer == nil

	x.store.Update(func(s *AsyncState[T, R]) {
		args := args
		s.LastArgs = &args
		s.IsPending = true
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

	if superseded != nil {
		// superseded offers settle with the most recent completed result
		superseded.resolve(lastResult, nil)
	}

	return handle
}

// Flush executes any pending trailing invocation immediately, returning its
// completion handle, or nil when nothing was pending.
func (x *AsyncThrottler[T, R]) Flush() *Execution[R] {
	x.mu.Lock()

	state := x.store.Get()
	if !state.IsPending || state.LastArgs == nil || !x.enabledLocked() {
		x.mu.Unlock()
		return nil
	}
	args := *state.LastArgs

	x.stopTimerLocked()
	handle := x.waiting
	x.waiting = nil
	if handle == nil {
		handle = newExecution[R]()
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		s.IsPending = false
		s.LastArgs = nil
	})
	x.mu.Unlock()

	go x.execute(args, handle)

	return handle
}

// Cancel discards the trailing timer and stored arguments, aborts the
// contexts of all in-flight executions, and settles the outstanding handle
// with a zero result. LastExecutionTime is preserved. Idempotent.
func (x *AsyncThrottler[T, R]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	cancels := x.takeCancelsLocked()
	waiting := x.waiting
	x.waiting = nil
	x.store.Update(func(s *AsyncState[T, R]) {
		s.IsPending = false
		s.LastArgs = nil
	})
	x.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if waiting != nil {
		var zero R
		waiting.resolve(zero, nil)
	}
}

// Reset restores the default state, with [AsyncThrottler.Cancel] semantics
// for anything outstanding, additionally zeroing all counters. Idempotent.
func (x *AsyncThrottler[T, R]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	cancels := x.takeCancelsLocked()
	waiting := x.waiting
	x.waiting = nil
	x.store.Update(func(s *AsyncState[T, R]) {
		*s = AsyncState[T, R]{}
	})
	x.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if waiting != nil {
		var zero R
		waiting.resolve(zero, nil)
	}
}

func (x *AsyncThrottler[T, R]) derive(s *AsyncState[T, R]) {
	switch {
	case !x.enabledLocked():
		s.Status = StatusDisabled
	case s.IsExecuting:
		s.Status = StatusExecuting
	case s.IsPending:
		s.Status = StatusPending
	default:
		s.Status = StatusIdle
	}
}

func (x *AsyncThrottler[T, R]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *AsyncThrottler[T, R]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *AsyncThrottler[T, R]) throwOnErrorLocked() bool {
	return pacer.BoolValue(x.opts.ThrowOnError, x.opts.OnError == nil)
}

// takeCancelsLocked drains the in-flight cancel funcs; the caller invokes
// them after releasing the lock.
func (x *AsyncThrottler[T, R]) takeCancelsLocked() []context.CancelFunc {
	if len(x.cancels) == 0 {
		return nil
	}
	cancels := make([]context.CancelFunc, 0, len(x.cancels))
	for seq, cancel := range x.cancels {
		cancels = append(cancels, cancel)
		delete(x.cancels, seq)
	}
	return cancels
}

func (x *AsyncThrottler[T, R]) lastResultLocked() R {
	if v := x.store.Get().LastResult; v != nil {
		return *v
	}
	var zero R
	return zero
}

func (x *AsyncThrottler[T, R]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

func (x *AsyncThrottler[T, R]) onTimer(seq uint64) {
	x.mu.Lock()

	if seq != x.timerSeq {
		x.mu.Unlock()
		return
	}
	x.timer = nil

	state := x.store.Get()
	if state.LastArgs == nil || !x.enabledLocked() {
		waiting := x.waiting
		x.waiting = nil
		last := x.lastResultLocked()
		x.store.Update(func(s *AsyncState[T, R]) {
			s.IsPending = false
		})
		x.mu.Unlock()
		if waiting != nil {
			waiting.resolve(last, nil)
		}
		return
	}
	args := *state.LastArgs

	handle := x.waiting
	x.waiting = nil
	if handle == nil {
		handle = newExecution[R]()
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		s.IsPending = false
		s.LastArgs = nil
	})
	x.mu.Unlock()

	go x.execute(args, handle)
}

func (x *AsyncThrottler[T, R]) execute(args T, handle *Execution[R]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := x.scheduler.Now()

	x.mu.Lock()
	x.cancelSeq++
	cancelSeq := x.cancelSeq
	x.cancels[cancelSeq] = cancel
	wait := x.waitLocked()
	x.store.Update(func(s *AsyncState[T, R]) {
		s.LastExecutionTime = now
		s.NextExecutionTime = now.Add(wait)
		s.IsExecuting = true
		s.ExecutionCount++
	})
	x.mu.Unlock()

	result, err := x.fn(ctx, args)

	x.mu.Lock()
	delete(x.cancels, cancelSeq)
	stillExecuting := len(x.cancels) != 0
	throwOnError := x.throwOnErrorLocked()
	onSuccess := x.opts.OnSuccess
	onError := x.opts.OnError
	onSettled := x.opts.OnSettled
	x.store.Update(func(s *AsyncState[T, R]) {
		s.IsExecuting = stillExecuting
		s.SettleCount++
		if err != nil {
			s.ErrorCount++
		} else {
			s.SuccessCount++
			result := result
			s.LastResult = &result
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
			handle.resolve(zero, err)
		} else {
			handle.resolve(zero, nil)
		}
	} else {
		handle.resolve(result, nil)
	}
}
