package debouncer

import (
	"context"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

type (
	// AsyncOptions models optional configuration, for NewAsyncDebouncer.
	// The timing options mirror [Options]; the additions concern the result
	// channel and error routing.
	AsyncOptions[T, R any] struct {
		Wait     time.Duration
		WaitFunc func(*AsyncDebouncer[T, R]) time.Duration

		Leading  bool
		Trailing *bool

		Enabled     *bool
		EnabledFunc func(*AsyncDebouncer[T, R]) bool

		Key       string
		Scheduler pacer.Scheduler
		Observer  pacer.Observer

		OnStateChange func(AsyncState[T, R])
		InitialState  *AsyncState[T, R]

		// OnSuccess is invoked after each successful execution.
		OnSuccess func(result R, instance *AsyncDebouncer[T, R])
		// OnError is invoked after each failed execution.
		OnError func(err error, instance *AsyncDebouncer[T, R])
		// OnSettled is invoked after each execution, success or failure.
		OnSettled func(instance *AsyncDebouncer[T, R])

		// ThrowOnError controls whether execution errors surface through
		// [Execution.Wait]. Defaults to true when OnError is nil, false
		// otherwise.
		ThrowOnError *bool
	}

	// AsyncState is the observable state of an [AsyncDebouncer].
	AsyncState[T, R any] struct {
		LastArgs          *T
		LastResult        *R
		Status            Status
		ExecutionCount    int
		SuccessCount      int
		ErrorCount        int
		SettleCount       int
		IsPending         bool
		IsExecuting       bool
		CanLeadingExecute bool
	}

	// Execution is the completion handle returned by
	// [AsyncDebouncer.MaybeExecute]. Each offer gets its own handle. An
	// offer that fires the leading edge awaits that execution; an offer
	// superseded by a newer one within the same wait window settles
	// immediately with the most recent completed result; only the newest
	// offer's handle awaits the actual trailing execution, which sees the
	// latest arguments.
	Execution[R any] struct {
		done   chan struct{}
		result R
		err    error
	}

	// AsyncDebouncer is the [Debouncer] variant for operations that do work
	// asynchronously and carry a result back to the caller. Executions run
	// on their own goroutine; a per-execution [context.Context] is passed
	// to the operation, and canceled by [AsyncDebouncer.Cancel] (every
	// in-flight execution, should the leading and trailing edges overlap).
	//
	// Instances must be initialized using the NewAsyncDebouncer factory.
	AsyncDebouncer[T, R any] struct {
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

// Wait blocks until the execution settles, or ctx cancels. It returns the
// execution's result, or its error if error surfacing is enabled (see
// AsyncOptions.ThrowOnError). A superseded offer settles with the most
// recent completed result; an offer abandoned via Cancel or Reset settles
// with a zero result and nil error.
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

// NewAsyncDebouncer initializes a new AsyncDebouncer wrapping fn, using the
// provided AsyncOptions, which may be the zero value. A panic will occur if
// fn is nil.
func NewAsyncDebouncer[T, R any](fn func(context.Context, T) (R, error), opts AsyncOptions[T, R]) *AsyncDebouncer[T, R] {
	if fn == nil {
		panic(`debouncer: nil operation`)
	}

	x := &AsyncDebouncer[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		cancels:   make(map[uint64]context.CancelFunc),
	}

	initial := AsyncState[T, R]{CanLeadingExecute: true}
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.SuccessCount = opts.InitialState.SuccessCount
		initial.ErrorCount = opts.InitialState.ErrorCount
		initial.SettleCount = opts.InitialState.SettleCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(AsyncState[T, R]) {
			opts.Observer.OnStateChange(pacer.EventAsyncDebouncer, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *AsyncDebouncer[T, R]) Store() *pacer.Store[AsyncState[T, R]] { return x.store }

// GetState returns a copy of the current state.
func (x *AsyncDebouncer[T, R]) GetState() AsyncState[T, R] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *AsyncDebouncer[T, R]) Options() AsyncOptions[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options, with the same disable semantics as
// [Debouncer.SetOptions]; a disabled instance settles its outstanding
// trailing handle with a zero result.
func (x *AsyncDebouncer[T, R]) SetOptions(opts AsyncOptions[T, R]) {
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
	if !enabled {
		x.stopTimerLocked()
		waiting = x.waiting
		x.waiting = nil
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		if !enabled {
			s.IsPending = false
			s.LastArgs = nil
		}
	})
	x.mu.Unlock()

	if waiting != nil {
		var zero R
		waiting.resolve(zero, nil)
	}
}

// MaybeExecute offers args to the debouncer, returning a completion handle,
// or nil while disabled. An offer that fires the leading edge awaits that
// execution; otherwise the handle awaits the burst's trailing execution,
// unless superseded by a newer offer first.
func (x *AsyncDebouncer[T, R]) MaybeExecute(args T) *Execution[R] {
	x.mu.Lock()

	if !x.enabledLocked() {
		x.mu.Unlock()
		return nil
	}

	var didLeading bool
	if x.opts.Leading && x.store.Get().CanLeadingExecute {
		didLeading = true
	}

	trailing := pacer.BoolValue(x.opts.Trailing, true)

	x.store.Update(func(s *AsyncState[T, R]) {
		args := args
		s.LastArgs = &args
		if didLeading {
			s.CanLeadingExecute = false
		}
		if trailing {
			s.IsPending = true
		}
	})

	x.stopTimerLocked()
	x.armTimerLocked(didLeading)

	handle := newExecution[R]()

	if didLeading {
		// the leading offer's handle is bound to the leading execution;
		// any trailing execution for this burst resolves the handle of
		// the newest offer instead
		x.mu.Unlock()
		go x.execute(args, handle)
		return handle
	}

	superseded := x.waiting
	x.waiting = handle
	lastResult := x.lastResultLocked()
	x.mu.Unlock()

	if superseded != nil {
		// superseded offers settle with the most recent completed result
		superseded.resolve(lastResult, nil)
	}

	return handle
}

// Flush executes any pending trailing invocation immediately, returning its
// completion handle, or nil when nothing was pending.
func (x *AsyncDebouncer[T, R]) Flush() *Execution[R] {
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
		s.CanLeadingExecute = true
		s.LastArgs = nil
	})

	x.mu.Unlock()

	go x.execute(args, handle)

	return handle
}

// Cancel abandons any pending trailing execution, aborts the contexts of
// all in-flight executions, and settles the outstanding trailing handle
// with a zero result. Idempotent.
func (x *AsyncDebouncer[T, R]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	cancels := x.takeCancelsLocked()
	waiting := x.waiting
	x.waiting = nil
	x.store.Update(func(s *AsyncState[T, R]) {
		s.IsPending = false
		s.CanLeadingExecute = true
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

// Reset restores the default state, with [AsyncDebouncer.Cancel] semantics
// for anything outstanding, additionally zeroing all counters. Idempotent.
func (x *AsyncDebouncer[T, R]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	cancels := x.takeCancelsLocked()
	waiting := x.waiting
	x.waiting = nil
	x.store.Update(func(s *AsyncState[T, R]) {
		*s = AsyncState[T, R]{CanLeadingExecute: true}
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

func (x *AsyncDebouncer[T, R]) derive(s *AsyncState[T, R]) {
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

func (x *AsyncDebouncer[T, R]) enabledLocked() bool {
	if x.opts.EnabledFunc != nil {
		return x.opts.EnabledFunc(x)
	}
	return pacer.BoolValue(x.opts.Enabled, true)
}

func (x *AsyncDebouncer[T, R]) throwOnErrorLocked() bool {
	return pacer.BoolValue(x.opts.ThrowOnError, x.opts.OnError == nil)
}

func (x *AsyncDebouncer[T, R]) lastResultLocked() R {
	if v := x.store.Get().LastResult; v != nil {
		return *v
	}
	var zero R
	return zero
}

// takeCancelsLocked drains the in-flight cancel funcs; the caller invokes
// them after releasing the lock.
func (x *AsyncDebouncer[T, R]) takeCancelsLocked() []context.CancelFunc {
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

func (x *AsyncDebouncer[T, R]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

func (x *AsyncDebouncer[T, R]) armTimerLocked(didLeading bool) {
	seq := x.timerSeq
	wait := pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
	x.timer = x.scheduler.Schedule(wait, func() {
		x.onTimer(seq, didLeading)
	})
}

func (x *AsyncDebouncer[T, R]) onTimer(seq uint64, didLeading bool) {
	x.mu.Lock()

	if seq != x.timerSeq {
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

	x.store.Update(func(s *AsyncState[T, R]) {
		s.CanLeadingExecute = true
		s.IsPending = false
		if shouldExecute {
			s.LastArgs = nil
		}
	})

	if !shouldExecute {
		// abandoned burst: settle the outstanding trailing handle, if any,
		// with the most recent completed result
		waiting := x.waiting
		x.waiting = nil
		lastResult := x.lastResultLocked()
		x.mu.Unlock()
		if waiting != nil {
			waiting.resolve(lastResult, nil)
		}
		return
	}

	handle := x.waiting
	x.waiting = nil
	if handle == nil {
		handle = newExecution[R]()
	}
	x.mu.Unlock()

	go x.execute(args, handle)
}

func (x *AsyncDebouncer[T, R]) execute(args T, handle *Execution[R]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	x.mu.Lock()
	x.cancelSeq++
	cancelSeq := x.cancelSeq
	x.cancels[cancelSeq] = cancel
	x.store.Update(func(s *AsyncState[T, R]) {
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
