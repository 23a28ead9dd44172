package queuer

import (
	"context"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/joeycumines/go-pacer/retry"
	"golang.org/x/exp/slices"
)

type (
	// AsyncOptions models optional configuration, for NewAsyncQueuer.
	AsyncOptions[T, R any] struct {
		AddItemsTo   Position
		GetItemsFrom Position

		MaxSize     int
		MaxSizeFunc func(*AsyncQueuer[T, R]) int

		Wait     time.Duration
		WaitFunc func(*AsyncQueuer[T, R]) time.Duration

		Started *bool

		// Concurrency is the maximum number of in-flight executions.
		// Defaults to 1, if 0.
		Concurrency int

		// ConcurrencyFunc overrides Concurrency when non-nil, resolved at
		// each use.
		ConcurrencyFunc func(*AsyncQueuer[T, R]) int

		GetPriority func(item T) float64

		InitialItems []T

		ExpirationDuration time.Duration
		GetIsExpired       func(item T, addedAt time.Time) bool
		OnExpire           func(item T, instance *AsyncQueuer[T, R])

		OnReject func(item T, instance *AsyncQueuer[T, R])

		// OnSuccess is invoked after each successful execution.
		OnSuccess func(result R, instance *AsyncQueuer[T, R])
		// OnError is invoked after each failed execution (after retries are
		// exhausted).
		OnError func(err error, instance *AsyncQueuer[T, R])
		// OnSettled is invoked after each execution, success or failure.
		OnSettled func(instance *AsyncQueuer[T, R])

		OnIsRunningChange func(instance *AsyncQueuer[T, R])
		OnItemsChange     func(instance *AsyncQueuer[T, R])

		// RetryerOptions configures the per-item [retry.Retryer]. Scheduler
		// defaults to this instance's scheduler.
		RetryerOptions retry.Options[T, R]

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

	// AsyncState is the observable state of an [AsyncQueuer].
	AsyncState[T, R any] struct {
		Items          []T
		ItemTimestamps []time.Time
		// ActiveItems are in-flight executions, in the order they started.
		ActiveItems     []T
		LastResult      *R
		Status          Status
		ExecutionCount  int
		RejectionCount  int
		ExpirationCount int
		SuccessCount    int
		ErrorCount      int
		SettleCount     int
		Size            int
		IsRunning       bool
		PendingTick     bool
		IsEmpty         bool
		IsFull          bool
		IsExecuting     bool
	}

	// Execution is the per-item completion handle returned by
	// [AsyncQueuer.AddItem]. Items dropped by Clear, Reset, or expiration
	// settle with a zero result and nil error.
	Execution[R any] struct {
		done   chan struct{}
		result R
		err    error
	}

	asyncEntry[T, R any] struct {
		value   T
		addedAt time.Time
		handle  *Execution[R]
	}

	// AsyncQueuer is the [Queuer] variant for asynchronous operations. Up
	// to Concurrency executions run in flight; admission order is
	// preserved, settlement order is not (for Concurrency > 1). Each item
	// executes through its own [retry.Retryer].
	//
	// Instances must be initialized using the NewAsyncQueuer factory.
	AsyncQueuer[T, R any] struct {
		fn        func(context.Context, T) (R, error)
		opts      AsyncOptions[T, R]
		scheduler pacer.Scheduler
		store     *pacer.Store[AsyncState[T, R]]
		items     []*asyncEntry[T, R]
		active    map[uint64]*activeExecution[T, R]
		activeSeq uint64
		running   bool
		tickTimer pacer.TimerHandle
		tickSeq   uint64
		mu        sync.Mutex
	}

	activeExecution[T, R any] struct {
		entry   *asyncEntry[T, R]
		retryer *retry.Retryer[T, R]
		seq     uint64
	}
)

// Wait blocks until the item's execution settles, or ctx cancels. See
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

// NewAsyncQueuer initializes a new AsyncQueuer wrapping fn, using the
// provided AsyncOptions, which may be the zero value. A panic will occur if
// fn is nil.
func NewAsyncQueuer[T, R any](fn func(context.Context, T) (R, error), opts AsyncOptions[T, R]) *AsyncQueuer[T, R] {
	if fn == nil {
		panic(`queuer: nil operation`)
	}

	x := &AsyncQueuer[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		active:    make(map[uint64]*activeExecution[T, R]),
	}

	var initial AsyncState[T, R]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.RejectionCount = opts.InitialState.RejectionCount
		initial.ExpirationCount = opts.InitialState.ExpirationCount
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
			opts.Observer.OnStateChange(pacer.EventAsyncQueuer, opts.Key, x)
		})
	}

	x.mu.Lock()
	now := x.scheduler.Now()
	for _, item := range opts.InitialItems {
		x.insertLocked(&asyncEntry[T, R]{value: item, addedAt: now, handle: newAsyncExecution[R]()}, ``)
	}
	x.running = pacer.BoolValue(opts.Started, true)
	x.store.Update(func(*AsyncState[T, R]) {})
	if x.running {
		x.scheduleTickLocked(0)
	}
	x.mu.Unlock()

	return x
}

func newAsyncExecution[R any]() *Execution[R] {
	return &Execution[R]{done: make(chan struct{})}
}

// Store exposes the observable state store.
func (x *AsyncQueuer[T, R]) Store() *pacer.Store[AsyncState[T, R]] { return x.store }

// GetState returns a copy of the current state.
func (x *AsyncQueuer[T, R]) GetState() AsyncState[T, R] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *AsyncQueuer[T, R]) Options() AsyncOptions[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. The running flag is controlled by Start
// and Stop after construction.
func (x *AsyncQueuer[T, R]) SetOptions(opts AsyncOptions[T, R]) {
	x.mu.Lock()
	x.opts.AddItemsTo = opts.AddItemsTo
	x.opts.GetItemsFrom = opts.GetItemsFrom
	x.opts.MaxSize = opts.MaxSize
	x.opts.MaxSizeFunc = opts.MaxSizeFunc
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.Concurrency = opts.Concurrency
	x.opts.ConcurrencyFunc = opts.ConcurrencyFunc
	x.opts.GetPriority = opts.GetPriority
	x.opts.ExpirationDuration = opts.ExpirationDuration
	x.opts.GetIsExpired = opts.GetIsExpired
	x.opts.OnExpire = opts.OnExpire
	x.opts.OnReject = opts.OnReject
	x.opts.OnSuccess = opts.OnSuccess
	x.opts.OnError = opts.OnError
	x.opts.OnSettled = opts.OnSettled
	x.opts.OnIsRunningChange = opts.OnIsRunningChange
	x.opts.OnItemsChange = opts.OnItemsChange
	x.opts.RetryerOptions = opts.RetryerOptions
	x.opts.ThrowOnError = opts.ThrowOnError
	x.store.Update(func(*AsyncState[T, R]) {})
	x.mu.Unlock()
}

// AddItem admits an item, returning its completion handle, or nil (after
// invoking OnReject) when the queue is full.
func (x *AsyncQueuer[T, R]) AddItem(item T, position ...Position) *Execution[R] {
	x.mu.Lock()

	if maxSize := x.maxSizeLocked(); maxSize > 0 && len(x.items) >= maxSize {
		onReject := x.opts.OnReject
		x.store.Update(func(s *AsyncState[T, R]) {
			s.RejectionCount++
		})
		x.mu.Unlock()

		if onReject != nil {
			onReject(item, x)
		}
		return nil
	}

	var pos Position
	if len(position) != 0 {
		pos = position[0]
	}
	entry := &asyncEntry[T, R]{value: item, addedAt: x.scheduler.Now(), handle: newAsyncExecution[R]()}
	x.insertLocked(entry, pos)
	x.store.Update(func(*AsyncState[T, R]) {})

	if x.running && x.tickTimer == nil && len(x.active) < x.concurrencyLocked() {
		x.scheduleTickLocked(0)
	}

	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	return entry.handle
}

// Start enables the automatic processing loop. No-op if already running.
func (x *AsyncQueuer[T, R]) Start() {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.store.Update(func(*AsyncState[T, R]) {})
	if len(x.items) != 0 {
		x.scheduleTickLocked(0)
	}
	onIsRunningChange := x.opts.OnIsRunningChange
	x.mu.Unlock()

	if onIsRunningChange != nil {
		onIsRunningChange(x)
	}
}

// Stop disables the automatic processing loop. Queued items are kept, and
// in-flight executions continue to completion. No-op if already stopped.
func (x *AsyncQueuer[T, R]) Stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.stopTickLocked()
	x.store.Update(func(*AsyncState[T, R]) {})
	onIsRunningChange := x.opts.OnIsRunningChange
	x.mu.Unlock()

	if onIsRunningChange != nil {
		onIsRunningChange(x)
	}
}

// Clear drops all queued items, settling their handles with a zero result.
// Counters and in-flight executions are unaffected. Idempotent.
func (x *AsyncQueuer[T, R]) Clear() {
	x.mu.Lock()
	dropped := x.items
	x.items = nil
	x.store.Update(func(*AsyncState[T, R]) {})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	var zero R
	for _, entry := range dropped {
		entry.handle.resolve(zero, nil)
	}
	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Reset drops all items and counters, aborting in-flight executions. With
// withInitialItems, the queue is repopulated from the InitialItems option.
func (x *AsyncQueuer[T, R]) Reset(withInitialItems bool) {
	x.mu.Lock()
	dropped := x.items
	x.items = nil
	if withInitialItems {
		now := x.scheduler.Now()
		for _, item := range x.opts.InitialItems {
			x.insertLocked(&asyncEntry[T, R]{value: item, addedAt: now, handle: newAsyncExecution[R]()}, ``)
		}
	}
	retryers := make([]*retry.Retryer[T, R], 0, len(x.active))
	for _, a := range x.active {
		retryers = append(retryers, a.retryer)
	}
	x.store.Update(func(s *AsyncState[T, R]) {
		s.ExecutionCount = 0
		s.RejectionCount = 0
		s.ExpirationCount = 0
		s.SuccessCount = 0
		s.ErrorCount = 0
		s.SettleCount = 0
		s.LastResult = nil
	})
	if x.running && len(x.items) != 0 && x.tickTimer == nil {
		x.scheduleTickLocked(0)
	}
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	var zero R
	for _, entry := range dropped {
		entry.handle.resolve(zero, nil)
	}
	for _, r := range retryers {
		r.Abort()
	}
	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// PeekAllItems returns a copy of all queued item values, in order.
func (x *AsyncQueuer[T, R]) PeekAllItems() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.itemValuesLocked()
}

// PeekActiveItems returns a copy of the in-flight item values.
func (x *AsyncQueuer[T, R]) PeekActiveItems() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.activeValuesLocked()
}

// Size returns the number of queued (not in-flight) items.
func (x *AsyncQueuer[T, R]) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// IsEmpty reports whether the queue is empty.
func (x *AsyncQueuer[T, R]) IsEmpty() bool { return x.Size() == 0 }

// IsRunning reports whether the automatic processing loop is active.
func (x *AsyncQueuer[T, R]) IsRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

func (x *AsyncQueuer[T, R]) derive(s *AsyncState[T, R]) {
	s.Items = x.itemValuesLocked()
	s.ItemTimestamps = x.itemTimestampsLocked()
	s.ActiveItems = x.activeValuesLocked()
	s.Size = len(x.items)
	s.IsEmpty = len(x.items) == 0
	maxSize := x.maxSizeLocked()
	s.IsFull = maxSize > 0 && len(x.items) >= maxSize
	s.IsRunning = x.running
	s.PendingTick = x.tickTimer != nil
	s.IsExecuting = len(x.active) != 0
	switch {
	case !x.running:
		s.Status = StatusStopped
	case s.PendingTick || s.IsExecuting:
		s.Status = StatusRunning
	default:
		s.Status = StatusIdle
	}
}

func (x *AsyncQueuer[T, R]) itemValuesLocked() []T {
	if len(x.items) == 0 {
		return nil
	}
	values := make([]T, len(x.items))
	for i, entry := range x.items {
		values[i] = entry.value
	}
	return values
}

func (x *AsyncQueuer[T, R]) itemTimestampsLocked() []time.Time {
	if len(x.items) == 0 {
		return nil
	}
	timestamps := make([]time.Time, len(x.items))
	for i, entry := range x.items {
		timestamps[i] = entry.addedAt
	}
	return timestamps
}

func (x *AsyncQueuer[T, R]) activeValuesLocked() []T {
	if len(x.active) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(x.active))
	for seq := range x.active {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	values := make([]T, len(seqs))
	for i, seq := range seqs {
		values[i] = x.active[seq].entry.value
	}
	return values
}

func (x *AsyncQueuer[T, R]) maxSizeLocked() int {
	return pacer.Resolve(x.opts.MaxSizeFunc, x.opts.MaxSize, x)
}

func (x *AsyncQueuer[T, R]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *AsyncQueuer[T, R]) concurrencyLocked() int {
	concurrency := pacer.Resolve(x.opts.ConcurrencyFunc, x.opts.Concurrency, x)
	if concurrency <= 0 {
		return 1
	}
	return concurrency
}

func (x *AsyncQueuer[T, R]) insertLocked(entry *asyncEntry[T, R], position Position) {
	i := len(x.items)
	if x.opts.GetPriority != nil {
		priority := x.opts.GetPriority(entry.value)
		for j, v := range x.items {
			if x.opts.GetPriority(v.value) < priority {
				i = j
				break
			}
		}
	} else {
		if position == `` {
			position = x.opts.AddItemsTo
		}
		if position == PositionFront {
			i = 0
		}
	}
	x.items = slices.Insert(x.items, i, entry)
}

func (x *AsyncQueuer[T, R]) popLocked() *asyncEntry[T, R] {
	if len(x.items) == 0 {
		return nil
	}
	i := 0
	if x.opts.GetItemsFrom == PositionBack {
		i = len(x.items) - 1
	}
	entry := x.items[i]
	x.items = slices.Delete(x.items, i, i+1)
	return entry
}

func (x *AsyncQueuer[T, R]) expireLocked(now time.Time) []*asyncEntry[T, R] {
	duration := x.opts.ExpirationDuration
	isExpired := x.opts.GetIsExpired
	if duration <= 0 && isExpired == nil {
		return nil
	}

	var expired []*asyncEntry[T, R]
	for i := len(x.items) - 1; i >= 0; i-- {
		entry := x.items[i]
		if (isExpired != nil && isExpired(entry.value, entry.addedAt)) ||
			(duration > 0 && now.Sub(entry.addedAt) > duration) {
			expired = append(expired, entry)
			x.items = slices.Delete(x.items, i, i+1)
		}
	}
	return expired
}

func (x *AsyncQueuer[T, R]) stopTickLocked() {
	if x.tickTimer != nil {
		x.tickTimer.Stop()
		x.tickTimer = nil
	}
	x.tickSeq++
}

func (x *AsyncQueuer[T, R]) scheduleTickLocked(delay time.Duration) {
	x.tickSeq++
	seq := x.tickSeq
	x.tickTimer = x.scheduler.Schedule(delay, func() { x.onTick(seq) })
}

func (x *AsyncQueuer[T, R]) onTick(seq uint64) {
	x.mu.Lock()

	if seq != x.tickSeq {
		x.mu.Unlock()
		return
	}
	x.tickTimer = nil

	if !x.running {
		x.store.Update(func(*AsyncState[T, R]) {})
		x.mu.Unlock()
		return
	}

	expired := x.expireLocked(x.scheduler.Now())
	if len(expired) != 0 {
		x.store.Update(func(s *AsyncState[T, R]) {
			s.ExpirationCount += len(expired)
		})
	}
	onExpire := x.opts.OnExpire
	onItemsChange := x.opts.OnItemsChange

	spawned := x.spawnLocked()

	if wait := x.waitLocked(); wait > 0 && (len(spawned) != 0 || len(x.items) != 0) {
		x.scheduleTickLocked(wait)
	}

	x.mu.Unlock()

	var zero R
	for _, entry := range expired {
		entry.handle.resolve(zero, nil)
	}
	if len(expired) != 0 {
		if onExpire != nil {
			for _, entry := range expired {
				onExpire(entry.value, x)
			}
		}
		if onItemsChange != nil {
			onItemsChange(x)
		}
	}

	for _, a := range spawned {
		go x.execute(a)
	}
	if len(spawned) != 0 && onItemsChange != nil {
		onItemsChange(x)
	}
}

// spawnLocked pops and registers items up to the concurrency limit,
// returning the registered executions; the caller starts them after
// releasing the lock. A positive wait limits the batch to one, so starts
// stay paced.
func (x *AsyncQueuer[T, R]) spawnLocked() []*activeExecution[T, R] {
	wait := x.waitLocked()
	var spawned []*activeExecution[T, R]
	for len(x.items) != 0 && len(x.active) < x.concurrencyLocked() {
		entry := x.popLocked()

		retryOpts := x.opts.RetryerOptions
		if retryOpts.Scheduler == nil {
			retryOpts.Scheduler = x.scheduler
		}

		x.activeSeq++
		a := &activeExecution[T, R]{
			entry:   entry,
			retryer: retry.NewRetryer(x.fn, retryOpts),
			seq:     x.activeSeq,
		}
		x.active[a.seq] = a
		spawned = append(spawned, a)

		x.store.Update(func(s *AsyncState[T, R]) {
			s.ExecutionCount++
		})

		if wait > 0 {
			break
		}
	}
	return spawned
}

func (x *AsyncQueuer[T, R]) execute(a *activeExecution[T, R]) {
	result, err := a.retryer.Execute(context.Background(), a.entry.value)

	x.mu.Lock()
	delete(x.active, a.seq)
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
	// a freed slot lets the next queued item start; without a positive
	// wait it starts directly rather than via a timer
	var spawned []*activeExecution[T, R]
	if x.running && len(x.items) != 0 {
		if x.waitLocked() > 0 {
			if x.tickTimer == nil {
				x.scheduleTickLocked(x.waitLocked())
			}
		} else {
			spawned = x.spawnLocked()
		}
	}
	x.mu.Unlock()

	for _, next := range spawned {
		go x.execute(next)
	}

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
			a.entry.handle.resolve(zero, err)
		} else {
			a.entry.handle.resolve(zero, nil)
		}
	} else {
		a.entry.handle.resolve(result, nil)
	}
}
