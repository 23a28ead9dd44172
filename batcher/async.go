package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/joeycumines/go-pacer/retry"
	"golang.org/x/exp/slices"
)

type (
	// AsyncOptions models optional configuration, for NewAsyncBatcher.
	AsyncOptions[T, R any] struct {
		MaxSize     int
		MaxSizeFunc func(*AsyncBatcher[T, R]) int

		Wait     time.Duration
		WaitFunc func(*AsyncBatcher[T, R]) time.Duration

		GetShouldExecute func(items []T, instance *AsyncBatcher[T, R]) bool

		Started *bool

		DeduplicateItems    bool
		DeduplicateStrategy DedupStrategy
		GetItemKey          func(item T) any

		// OnSuccess is invoked after each successful batch execution.
		OnSuccess func(result R, instance *AsyncBatcher[T, R])
		// OnError is invoked after each failed batch execution (after
		// retries are exhausted).
		OnError func(err error, instance *AsyncBatcher[T, R])
		// OnSettled is invoked after each batch execution, success or
		// failure.
		OnSettled func(instance *AsyncBatcher[T, R])

		// OnReject is invoked when a keep-first collision discards an item.
		OnReject func(item T, instance *AsyncBatcher[T, R])

		OnItemsChange func(instance *AsyncBatcher[T, R])

		// RetryerOptions configures the per-batch [retry.Retryer].
		// Scheduler defaults to this instance's scheduler.
		RetryerOptions retry.Options[[]T, R]

		// ThrowOnError controls whether execution errors surface through
		// [Execution.Wait]. Defaults to true when OnError is nil, false
		// otherwise.
		ThrowOnError *bool

		Key       string
		Scheduler pacer.Scheduler
		Observer  pacer.Observer

		OnStateChange func(AsyncState[T, R])
		InitialState  *AsyncState[T, R]
	}

	// AsyncState is the observable state of an [AsyncBatcher].
	AsyncState[T, R any] struct {
		Items               []T
		LastResult          *R
		Status              Status
		ExecutionCount      int
		TotalItemsProcessed int
		RejectionCount      int
		SuccessCount        int
		ErrorCount          int
		SettleCount         int
		Size                int
		IsPending           bool
		IsEmpty             bool
		IsRunning           bool
		IsExecuting         bool
	}

	// Execution is the completion handle returned by
	// [AsyncBatcher.Flush], settling when the flushed batch's execution
	// does.
	Execution[R any] struct {
		done   chan struct{}
		result R
		err    error
	}

	// AsyncBatcher is the [Batcher] variant for batch operations that do
	// work asynchronously. Each triggered batch executes on its own
	// goroutine, through its own [retry.Retryer]; results and errors route
	// through the settle callbacks.
	//
	// Instances must be initialized using the NewAsyncBatcher factory.
	AsyncBatcher[T, R any] struct {
		fn        func(context.Context, []T) (R, error)
		opts      AsyncOptions[T, R]
		scheduler pacer.Scheduler
		store     *pacer.Store[AsyncState[T, R]]
		items     []T
		active    map[uint64]*retry.Retryer[[]T, R]
		activeSeq uint64
		running   bool
		timer     pacer.TimerHandle
		timerSeq  uint64
		mu        sync.Mutex
	}
)

// StatusExecuting indicates at least one batch execution is in flight.
const StatusExecuting Status = `executing`

// Wait blocks until the execution settles, or ctx cancels. See
// AsyncOptions.ThrowOnError for error surfacing.
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

// NewAsyncBatcher initializes a new AsyncBatcher wrapping fn, using the
// provided AsyncOptions, which may be the zero value. A panic will occur if
// fn is nil.
func NewAsyncBatcher[T, R any](fn func(context.Context, []T) (R, error), opts AsyncOptions[T, R]) *AsyncBatcher[T, R] {
	if fn == nil {
		panic(`batcher: nil operation`)
	}

	x := &AsyncBatcher[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		active:    make(map[uint64]*retry.Retryer[[]T, R]),
		running:   pacer.BoolValue(opts.Started, true),
	}

	var initial AsyncState[T, R]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.TotalItemsProcessed = opts.InitialState.TotalItemsProcessed
		initial.RejectionCount = opts.InitialState.RejectionCount
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
			opts.Observer.OnStateChange(pacer.EventAsyncBatcher, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *AsyncBatcher[T, R]) Store() *pacer.Store[AsyncState[T, R]] { return x.store }

// GetState returns a copy of the current state.
func (x *AsyncBatcher[T, R]) GetState() AsyncState[T, R] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *AsyncBatcher[T, R]) Options() AsyncOptions[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. The running flag is controlled by Start
// and Stop after construction.
func (x *AsyncBatcher[T, R]) SetOptions(opts AsyncOptions[T, R]) {
	x.mu.Lock()
	x.opts.MaxSize = opts.MaxSize
	x.opts.MaxSizeFunc = opts.MaxSizeFunc
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.GetShouldExecute = opts.GetShouldExecute
	x.opts.DeduplicateItems = opts.DeduplicateItems
	x.opts.DeduplicateStrategy = opts.DeduplicateStrategy
	x.opts.GetItemKey = opts.GetItemKey
	x.opts.OnSuccess = opts.OnSuccess
	x.opts.OnError = opts.OnError
	x.opts.OnSettled = opts.OnSettled
	x.opts.OnReject = opts.OnReject
	x.opts.OnItemsChange = opts.OnItemsChange
	x.opts.RetryerOptions = opts.RetryerOptions
	x.opts.ThrowOnError = opts.ThrowOnError
	x.store.Update(func(*AsyncState[T, R]) {})
	x.mu.Unlock()
}

// AddItem admits an item to the pending batch, then evaluates the execution
// triggers; a triggered batch executes on its own goroutine. Returns false
// when the item was discarded by keep-first deduplication.
func (x *AsyncBatcher[T, R]) AddItem(item T) bool {
	x.mu.Lock()

	if x.opts.DeduplicateItems {
		if i, ok := x.findDuplicateLocked(item); ok {
			if x.dedupStrategyLocked() == DedupKeepLast {
				x.items[i] = item
				x.store.Update(func(*AsyncState[T, R]) {})
				x.afterAdmissionLocked()
				return true
			}

			onReject := x.opts.OnReject
			x.store.Update(func(s *AsyncState[T, R]) {
				s.RejectionCount++
			})
			x.mu.Unlock()

			if onReject != nil {
				onReject(item, x)
			}
			return false
		}
	}

	x.items = append(x.items, item)
	x.store.Update(func(*AsyncState[T, R]) {})
	x.afterAdmissionLocked()
	return true
}

func (x *AsyncBatcher[T, R]) afterAdmissionLocked() {
	onItemsChange := x.opts.OnItemsChange

	if !x.running {
		x.mu.Unlock()
		if onItemsChange != nil {
			onItemsChange(x)
		}
		return
	}

	if x.shouldExecuteLocked() {
		x.stopTimerLocked()
		batch, handle := x.takeBatchLocked()
		x.mu.Unlock()

		if onItemsChange != nil {
			onItemsChange(x)
		}
		go x.execute(batch, handle)
		return
	}

	if wait := x.waitLocked(); wait > 0 && x.timer == nil {
		seq := x.timerSeq
		x.timer = x.scheduler.Schedule(wait, func() { x.onTimer(seq) })
		x.store.Update(func(*AsyncState[T, R]) {})
	}
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Flush executes the pending batch immediately, returning its completion
// handle, or nil when the batch was empty.
func (x *AsyncBatcher[T, R]) Flush() *Execution[R] {
	x.mu.Lock()
	if len(x.items) == 0 {
		x.mu.Unlock()
		return nil
	}
	x.stopTimerLocked()
	batch, handle := x.takeBatchLocked()
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	go x.execute(batch, handle)
	return handle
}

// Clear discards the pending batch and its timer, keeping counters.
// Idempotent.
func (x *AsyncBatcher[T, R]) Clear() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.items = nil
	x.store.Update(func(*AsyncState[T, R]) {})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Cancel discards the time trigger only; the pending batch is kept.
// Idempotent.
func (x *AsyncBatcher[T, R]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(*AsyncState[T, R]) {})
	x.mu.Unlock()
}

// Abort cancels the contexts of all in-flight batch executions. Idempotent.
func (x *AsyncBatcher[T, R]) Abort() {
	x.mu.Lock()
	retryers := make([]*retry.Retryer[[]T, R], 0, len(x.active))
	for _, r := range x.active {
		retryers = append(retryers, r)
	}
	x.mu.Unlock()

	for _, r := range retryers {
		r.Abort()
	}
}

// Reset restores the default state, discarding the pending batch, its timer,
// and all counters, and aborting in-flight executions. Idempotent.
func (x *AsyncBatcher[T, R]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.items = nil
	retryers := make([]*retry.Retryer[[]T, R], 0, len(x.active))
	for _, r := range x.active {
		retryers = append(retryers, r)
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		s.ExecutionCount = 0
		s.TotalItemsProcessed = 0
		s.RejectionCount = 0
		s.SuccessCount = 0
		s.ErrorCount = 0
		s.SettleCount = 0
		s.LastResult = nil
	})
	x.mu.Unlock()

	for _, r := range retryers {
		r.Abort()
	}
}

// Start enables the execution triggers, evaluating them immediately against
// any accumulated items. No-op if already running.
func (x *AsyncBatcher[T, R]) Start() {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.store.Update(func(*AsyncState[T, R]) {})

	if len(x.items) != 0 {
		if x.shouldExecuteLocked() {
			batch, handle := x.takeBatchLocked()
			x.mu.Unlock()
			go x.execute(batch, handle)
			return
		}
		if wait := x.waitLocked(); wait > 0 && x.timer == nil {
			seq := x.timerSeq
			x.timer = x.scheduler.Schedule(wait, func() { x.onTimer(seq) })
			x.store.Update(func(*AsyncState[T, R]) {})
		}
	}
	x.mu.Unlock()
}

// Stop disables the execution triggers and discards the armed timer; items
// keep accumulating, and in-flight executions continue. No-op if already
// stopped.
func (x *AsyncBatcher[T, R]) Stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.stopTimerLocked()
	x.store.Update(func(*AsyncState[T, R]) {})
	x.mu.Unlock()
}

// Size returns the pending batch size.
func (x *AsyncBatcher[T, R]) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// IsEmpty reports whether the pending batch is empty.
func (x *AsyncBatcher[T, R]) IsEmpty() bool { return x.Size() == 0 }

// IsRunning reports whether triggers are enabled.
func (x *AsyncBatcher[T, R]) IsRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

// PeekAllItems returns a copy of the pending batch, in admission order.
func (x *AsyncBatcher[T, R]) PeekAllItems() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.items)
}

func (x *AsyncBatcher[T, R]) derive(s *AsyncState[T, R]) {
	s.Items = slices.Clone(x.items)
	s.Size = len(x.items)
	s.IsEmpty = len(x.items) == 0
	s.IsRunning = x.running
	s.IsPending = x.timer != nil
	s.IsExecuting = len(x.active) != 0
	switch {
	case !x.running:
		s.Status = StatusStopped
	case s.IsExecuting:
		s.Status = StatusExecuting
	case s.IsPending:
		s.Status = StatusPending
	default:
		s.Status = StatusIdle
	}
}

func (x *AsyncBatcher[T, R]) maxSizeLocked() int {
	return pacer.Resolve(x.opts.MaxSizeFunc, x.opts.MaxSize, x)
}

func (x *AsyncBatcher[T, R]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *AsyncBatcher[T, R]) dedupStrategyLocked() DedupStrategy {
	if x.opts.DeduplicateStrategy == `` {
		return DedupKeepFirst
	}
	return x.opts.DeduplicateStrategy
}

func (x *AsyncBatcher[T, R]) itemKeyLocked(item T) any {
	if x.opts.GetItemKey != nil {
		return x.opts.GetItemKey(item)
	}
	return fmt.Sprintf(`%#v`, item)
}

func (x *AsyncBatcher[T, R]) findDuplicateLocked(item T) (int, bool) {
	key := x.itemKeyLocked(item)
	for i, v := range x.items {
		if x.itemKeyLocked(v) == key {
			return i, true
		}
	}
	return 0, false
}

func (x *AsyncBatcher[T, R]) shouldExecuteLocked() bool {
	if maxSize := x.maxSizeLocked(); maxSize > 0 && len(x.items) >= maxSize {
		return true
	}
	if x.opts.GetShouldExecute != nil && x.opts.GetShouldExecute(slices.Clone(x.items), x) {
		return true
	}
	return false
}

func (x *AsyncBatcher[T, R]) takeBatchLocked() ([]T, *Execution[R]) {
	batch := x.items
	x.items = nil
	x.store.Update(func(s *AsyncState[T, R]) {
		s.ExecutionCount++
		s.TotalItemsProcessed += len(batch)
	})
	return batch, &Execution[R]{done: make(chan struct{})}
}

func (x *AsyncBatcher[T, R]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

func (x *AsyncBatcher[T, R]) onTimer(seq uint64) {
	x.mu.Lock()

	if seq != x.timerSeq {
		x.mu.Unlock()
		return
	}
	x.timer = nil
	x.timerSeq++

	if !x.running || len(x.items) == 0 {
		x.store.Update(func(*AsyncState[T, R]) {})
		x.mu.Unlock()
		return
	}

	batch, handle := x.takeBatchLocked()
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	go x.execute(batch, handle)
}

func (x *AsyncBatcher[T, R]) execute(batch []T, handle *Execution[R]) {
	x.mu.Lock()
	retryOpts := x.opts.RetryerOptions
	if retryOpts.Scheduler == nil {
		retryOpts.Scheduler = x.scheduler
	}
	retryer := retry.NewRetryer(x.fn, retryOpts)
	x.activeSeq++
	seq := x.activeSeq
	x.active[seq] = retryer
	x.store.Update(func(*AsyncState[T, R]) {})
	x.mu.Unlock()

	result, err := retryer.Execute(context.Background(), batch)

	x.mu.Lock()
	delete(x.active, seq)
	throwOnError := pacer.BoolValue(x.opts.ThrowOnError, x.opts.OnError == nil)
	onSuccess := x.opts.OnSuccess
	onError := x.opts.OnError
	onSettled := x.opts.OnSettled
	x.store.Update(func(s *AsyncState[T, R]) {
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
