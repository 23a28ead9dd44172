// Package batcher accumulates items and hands them to a batch operation when
// a size, time, or predicate trigger fires, optionally deduplicating items
// within the pending batch.
package batcher

import (
	"fmt"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"golang.org/x/exp/slices"
)

// DedupStrategy selects what happens when an admitted item's key collides
// with one already in the pending batch.
type DedupStrategy string

const (
	// DedupKeepFirst ignores the new item. The default.
	DedupKeepFirst DedupStrategy = `keep-first`
	// DedupKeepLast replaces the existing item in place, preserving its
	// position in the batch.
	DedupKeepLast DedupStrategy = `keep-last`
)

type (
	// Options models optional configuration, for NewBatcher.
	Options[T any] struct {
		// MaxSize triggers execution once the pending batch reaches this
		// size, if positive.
		MaxSize int

		// MaxSizeFunc overrides MaxSize when non-nil, resolved at each use.
		MaxSizeFunc func(*Batcher[T]) int

		// Wait arms a timer on the first admission of a batch, firing
		// execution after it elapses. Non-positive disables the time
		// trigger; items then wait for another trigger, or Flush.
		Wait time.Duration

		// WaitFunc overrides Wait when non-nil, resolved at each use.
		WaitFunc func(*Batcher[T]) time.Duration

		// GetShouldExecute triggers execution whenever it returns true,
		// evaluated after each admission.
		GetShouldExecute func(items []T, instance *Batcher[T]) bool

		// Started controls whether triggers fire. Defaults to true, see
		// [pacer.Bool]. While stopped, items accumulate.
		Started *bool

		// DeduplicateItems enables per-batch deduplication by item key.
		DeduplicateItems bool

		// DeduplicateStrategy selects the collision policy. Defaults to
		// [DedupKeepFirst].
		DeduplicateStrategy DedupStrategy

		// GetItemKey derives the deduplication key. Defaults to a canonical
		// string encoding of the item.
		GetItemKey func(item T) any

		// OnExecute is invoked after each batch execution.
		OnExecute func(items []T, instance *Batcher[T])

		// OnReject is invoked when a keep-first collision discards an item.
		OnReject func(item T, instance *Batcher[T])

		// OnItemsChange is invoked after the pending batch changes.
		OnItemsChange func(instance *Batcher[T])

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

	// Status is the derived lifecycle state of a [Batcher].
	Status string

	// State is the observable state of a [Batcher]. Snapshots are copies;
	// Items is freshly allocated on every update.
	State[T any] struct {
		// Items is the pending batch, in admission order.
		Items  []T
		Status Status
		// ExecutionCount is the number of batch executions.
		ExecutionCount int
		// TotalItemsProcessed is the total number of items handed to the
		// batch operation.
		TotalItemsProcessed int
		// RejectionCount is the number of items discarded by keep-first
		// deduplication.
		RejectionCount int
		Size           int
		// IsPending indicates a time trigger is armed.
		IsPending bool
		IsEmpty   bool
		IsRunning bool
	}

	// Batcher accumulates items, executing the batch operation when the
	// pending batch reaches MaxSize, when the Wait timer fires, or when
	// GetShouldExecute returns true. The pending batch is snapshotted and
	// cleared before the operation is invoked, so re-admissions from within
	// the operation start a fresh batch.
	//
	// All methods are safe for concurrent use. The operation is invoked
	// outside the instance's lock.
	//
	// Instances must be initialized using the NewBatcher factory.
	Batcher[T any] struct {
		fn        func([]T)
		opts      Options[T]
		scheduler pacer.Scheduler
		store     *pacer.Store[State[T]]
		items     []T
		running   bool
		timer     pacer.TimerHandle
		timerSeq  uint64
		mu        sync.Mutex
	}
)

const (
	StatusIdle    Status = `idle`
	StatusPending Status = `pending`
	StatusStopped Status = `stopped`
)

// NewBatcher initializes a new Batcher wrapping fn, using the provided
// Options, which may be the zero value. A panic will occur if fn is nil.
func NewBatcher[T any](fn func([]T), opts Options[T]) *Batcher[T] {
	if fn == nil {
		panic(`batcher: nil operation`)
	}

	x := &Batcher[T]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
		running:   pacer.BoolValue(opts.Started, true),
	}

	var initial State[T]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.TotalItemsProcessed = opts.InitialState.TotalItemsProcessed
		initial.RejectionCount = opts.InitialState.RejectionCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State[T]) {
			opts.Observer.OnStateChange(pacer.EventBatcher, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *Batcher[T]) Store() *pacer.Store[State[T]] { return x.store }

// GetState returns a copy of the current state.
func (x *Batcher[T]) GetState() State[T] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *Batcher[T]) Options() Options[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. The running flag is controlled by Start
// and Stop after construction.
func (x *Batcher[T]) SetOptions(opts Options[T]) {
	x.mu.Lock()
	x.opts.MaxSize = opts.MaxSize
	x.opts.MaxSizeFunc = opts.MaxSizeFunc
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.GetShouldExecute = opts.GetShouldExecute
	x.opts.DeduplicateItems = opts.DeduplicateItems
	x.opts.DeduplicateStrategy = opts.DeduplicateStrategy
	x.opts.GetItemKey = opts.GetItemKey
	x.opts.OnExecute = opts.OnExecute
	x.opts.OnReject = opts.OnReject
	x.opts.OnItemsChange = opts.OnItemsChange
	x.store.Update(func(*State[T]) {})
	x.mu.Unlock()
}

// AddItem admits an item to the pending batch, then evaluates the execution
// triggers. Returns false when the item was discarded by keep-first
// deduplication.
func (x *Batcher[T]) AddItem(item T) bool {
	x.mu.Lock()

	if x.opts.DeduplicateItems {
		if i, ok := x.findDuplicateLocked(item); ok {
			if x.dedupStrategyLocked() == DedupKeepLast {
				x.items[i] = item
				x.store.Update(func(*State[T]) {})
				onItemsChange := x.opts.OnItemsChange
				x.afterAdmissionLocked(onItemsChange)
				return true
			}

			onReject := x.opts.OnReject
			x.store.Update(func(s *State[T]) {
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
	x.store.Update(func(*State[T]) {})

	onItemsChange := x.opts.OnItemsChange
	x.afterAdmissionLocked(onItemsChange)
	return true
}

// afterAdmissionLocked evaluates triggers, arms the time trigger if needed,
// and releases the lock, dispatching callbacks after.
func (x *Batcher[T]) afterAdmissionLocked(onItemsChange func(*Batcher[T])) {
	if !x.running {
		x.mu.Unlock()
		if onItemsChange != nil {
			onItemsChange(x)
		}
		return
	}

	if x.shouldExecuteLocked() {
		x.stopTimerLocked()
		batch, onExecute := x.takeBatchLocked()
		x.mu.Unlock()

		if onItemsChange != nil {
			onItemsChange(x)
		}
		x.runBatch(batch, onExecute)
		return
	}

	if wait := x.waitLocked(); wait > 0 && x.timer == nil {
		seq := x.timerSeq
		x.timer = x.scheduler.Schedule(wait, func() { x.onTimer(seq) })
		x.store.Update(func(*State[T]) {})
	}
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Flush executes the pending batch immediately, canceling the time trigger.
// No-op when the batch is empty.
func (x *Batcher[T]) Flush() {
	x.mu.Lock()
	if len(x.items) == 0 {
		x.mu.Unlock()
		return
	}
	x.stopTimerLocked()
	batch, onExecute := x.takeBatchLocked()
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	x.runBatch(batch, onExecute)
}

// Clear discards the pending batch and its timer, keeping counters.
// Idempotent.
func (x *Batcher[T]) Clear() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.items = nil
	x.store.Update(func(*State[T]) {})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Cancel discards the time trigger only; the pending batch is kept, and will
// execute on a later trigger or Flush. Idempotent.
func (x *Batcher[T]) Cancel() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.store.Update(func(*State[T]) {})
	x.mu.Unlock()
}

// Reset restores the default state, discarding the pending batch, its timer,
// and all counters. Idempotent.
func (x *Batcher[T]) Reset() {
	x.mu.Lock()
	x.stopTimerLocked()
	x.items = nil
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount = 0
		s.TotalItemsProcessed = 0
		s.RejectionCount = 0
	})
	x.mu.Unlock()
}

// Start enables the execution triggers, evaluating them immediately against
// any accumulated items. No-op if already running.
func (x *Batcher[T]) Start() {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.store.Update(func(*State[T]) {})

	if len(x.items) != 0 {
		if x.shouldExecuteLocked() {
			batch, onExecute := x.takeBatchLocked()
			x.mu.Unlock()
			x.runBatch(batch, onExecute)
			return
		}
		if wait := x.waitLocked(); wait > 0 && x.timer == nil {
			seq := x.timerSeq
			x.timer = x.scheduler.Schedule(wait, func() { x.onTimer(seq) })
			x.store.Update(func(*State[T]) {})
		}
	}
	x.mu.Unlock()
}

// Stop disables the execution triggers and discards the armed timer; items
// keep accumulating. No-op if already stopped.
func (x *Batcher[T]) Stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.stopTimerLocked()
	x.store.Update(func(*State[T]) {})
	x.mu.Unlock()
}

// Size returns the pending batch size.
func (x *Batcher[T]) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// IsEmpty reports whether the pending batch is empty.
func (x *Batcher[T]) IsEmpty() bool { return x.Size() == 0 }

// IsRunning reports whether triggers are enabled.
func (x *Batcher[T]) IsRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

// PeekAllItems returns a copy of the pending batch, in admission order.
func (x *Batcher[T]) PeekAllItems() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.items)
}

func (x *Batcher[T]) derive(s *State[T]) {
	s.Items = slices.Clone(x.items)
	s.Size = len(x.items)
	s.IsEmpty = len(x.items) == 0
	s.IsRunning = x.running
	s.IsPending = x.timer != nil
	switch {
	case !x.running:
		s.Status = StatusStopped
	case s.IsPending:
		s.Status = StatusPending
	default:
		s.Status = StatusIdle
	}
}

func (x *Batcher[T]) maxSizeLocked() int {
	return pacer.Resolve(x.opts.MaxSizeFunc, x.opts.MaxSize, x)
}

func (x *Batcher[T]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

func (x *Batcher[T]) dedupStrategyLocked() DedupStrategy {
	if x.opts.DeduplicateStrategy == `` {
		return DedupKeepFirst
	}
	return x.opts.DeduplicateStrategy
}

func (x *Batcher[T]) itemKeyLocked(item T) any {
	if x.opts.GetItemKey != nil {
		return x.opts.GetItemKey(item)
	}
	return fmt.Sprintf(`%#v`, item)
}

func (x *Batcher[T]) findDuplicateLocked(item T) (int, bool) {
	key := x.itemKeyLocked(item)
	for i, v := range x.items {
		if x.itemKeyLocked(v) == key {
			return i, true
		}
	}
	return 0, false
}

func (x *Batcher[T]) shouldExecuteLocked() bool {
	if maxSize := x.maxSizeLocked(); maxSize > 0 && len(x.items) >= maxSize {
		return true
	}
	if x.opts.GetShouldExecute != nil && x.opts.GetShouldExecute(slices.Clone(x.items), x) {
		return true
	}
	return false
}

// takeBatchLocked snapshots and clears the pending batch, updating counters
// before the operation runs.
func (x *Batcher[T]) takeBatchLocked() ([]T, func([]T, *Batcher[T])) {
	batch := x.items
	x.items = nil
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount++
		s.TotalItemsProcessed += len(batch)
	})
	return batch, x.opts.OnExecute
}

func (x *Batcher[T]) runBatch(batch []T, onExecute func([]T, *Batcher[T])) {
	x.fn(batch)
	if onExecute != nil {
		onExecute(batch, x)
	}
}

func (x *Batcher[T]) stopTimerLocked() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.timerSeq++
}

func (x *Batcher[T]) onTimer(seq uint64) {
	x.mu.Lock()

	if seq != x.timerSeq {
		x.mu.Unlock()
		return
	}
	x.timer = nil
	x.timerSeq++

	if !x.running || len(x.items) == 0 {
		x.store.Update(func(*State[T]) {})
		x.mu.Unlock()
		return
	}

	batch, onExecute := x.takeBatchLocked()
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	x.runBatch(batch, onExecute)
}
