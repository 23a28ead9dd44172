// Package queuer provides ordered item storage with optional automatic
// pacing, priority ordering, TTL expiration, and deque-style front/back
// admission.
package queuer

import (
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"golang.org/x/exp/slices"
)

// Position selects an end of the queue, for admission or retrieval.
type Position string

const (
	PositionFront Position = `front`
	PositionBack  Position = `back`
)

type (
	// Options models optional configuration, for NewQueuer.
	Options[T any] struct {
		// AddItemsTo is the end where new items are admitted, when no
		// priority function is configured. Defaults to [PositionBack].
		AddItemsTo Position

		// GetItemsFrom is the end items are retrieved from. Defaults to
		// [PositionFront]. The defaults together give FIFO behavior;
		// admitting and retrieving at the same end gives LIFO.
		GetItemsFrom Position

		// MaxSize restricts the queue length, if positive; admissions
		// beyond it are rejected. Defaults to unlimited.
		MaxSize int

		// MaxSizeFunc overrides MaxSize when non-nil, resolved at each use.
		MaxSizeFunc func(*Queuer[T]) int

		// Wait is the pause between automatic executions. Non-positive
		// processes consecutive items as fast as the scheduler allows.
		Wait time.Duration

		// WaitFunc overrides Wait when non-nil, resolved at each use.
		WaitFunc func(*Queuer[T]) time.Duration

		// Started controls whether the queuer begins processing
		// immediately. Defaults to true, see [pacer.Bool].
		Started *bool

		// GetPriority orders the queue by descending priority when non-nil.
		// Admission order is preserved among equal priorities.
		GetPriority func(item T) float64

		// InitialItems populate the queue at construction, and again on
		// Reset(true).
		InitialItems []T

		// ExpirationDuration expires items that have been queued longer, if
		// positive.
		ExpirationDuration time.Duration

		// GetIsExpired overrides/extends expiration: an item is expired if
		// this returns true OR its age exceeds ExpirationDuration.
		GetIsExpired func(item T, addedAt time.Time) bool

		// OnExpire is invoked for each expired item, after removal.
		OnExpire func(item T, instance *Queuer[T])

		// OnReject is invoked when an admission is refused because the
		// queue is full.
		OnReject func(item T, instance *Queuer[T])

		// OnExecute is invoked after each automatic or explicit execution.
		OnExecute func(item T, instance *Queuer[T])

		// OnIsRunningChange is invoked after Start or Stop take effect.
		OnIsRunningChange func(instance *Queuer[T])

		// OnItemsChange is invoked after the queue contents change.
		OnItemsChange func(instance *Queuer[T])

		// Key identifies this instance to the Observer.
		Key string

		// Scheduler is the timer capability, used to pace the tick loop.
		// Defaults to [pacer.SystemScheduler].
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

	// Status is the derived lifecycle state of a [Queuer].
	Status string

	// State is the observable state of a [Queuer]. Snapshots are copies;
	// Items and ItemTimestamps are freshly allocated on every update.
	State[T any] struct {
		// Items are the queued items, in processing-priority order.
		Items []T
		// ItemTimestamps are the admission times, parallel to Items.
		ItemTimestamps []time.Time
		Status         Status
		// ExecutionCount is the number of processed items.
		ExecutionCount int
		// RejectionCount is the number of admissions refused due to
		// MaxSize.
		RejectionCount int
		// ExpirationCount is the number of items removed by expiration.
		ExpirationCount int
		Size            int
		// IsRunning indicates the automatic tick loop is active.
		IsRunning bool
		// PendingTick indicates a tick is scheduled.
		PendingTick bool
		IsEmpty     bool
		IsFull      bool
	}

	// Queuer stores items in order and, while running, pops and executes one
	// item per tick, pacing ticks by the configured wait. Admission and
	// retrieval ends are configurable (FIFO, LIFO, deque); a priority
	// function switches to sorted order instead.
	//
	// All methods are safe for concurrent use. The operation is invoked
	// outside the instance's lock.
	//
	// Instances must be initialized using the NewQueuer factory.
	Queuer[T any] struct {
		fn         func(T)
		opts       Options[T]
		scheduler  pacer.Scheduler
		store      *pacer.Store[State[T]]
		items      []T
		timestamps []time.Time
		running    bool
		tickTimer  pacer.TimerHandle
		tickSeq    uint64
		mu         sync.Mutex
	}
)

const (
	// StatusIdle indicates the queuer is running with no tick scheduled.
	StatusIdle Status = `idle`
	// StatusRunning indicates a tick is scheduled or in progress.
	StatusRunning Status = `running`
	// StatusStopped indicates automatic processing is off.
	StatusStopped Status = `stopped`
)

// NewQueuer initializes a new Queuer wrapping fn, using the provided
// Options, which may be the zero value. A panic will occur if fn is nil.
//
// Initial items are admitted in order; if the queuer starts started (the
// default), processing begins immediately.
func NewQueuer[T any](fn func(T), opts Options[T]) *Queuer[T] {
	if fn == nil {
		panic(`queuer: nil operation`)
	}

	x := &Queuer[T]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
	}

	var initial State[T]
	if opts.InitialState != nil {
		initial.ExecutionCount = opts.InitialState.ExecutionCount
		initial.RejectionCount = opts.InitialState.RejectionCount
		initial.ExpirationCount = opts.InitialState.ExpirationCount
	}

	x.store = pacer.NewStore(initial, x.derive)

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State[T]) {
			opts.Observer.OnStateChange(pacer.EventQueuer, opts.Key, x)
		})
	}

	x.mu.Lock()
	now := x.scheduler.Now()
	for _, item := range opts.InitialItems {
		x.insertLocked(item, ``, now)
	}
	x.running = pacer.BoolValue(opts.Started, true)
	x.store.Update(func(*State[T]) {})
	if x.running {
		x.scheduleTickLocked(0)
	}
	x.mu.Unlock()

	return x
}

// Store exposes the observable state store.
func (x *Queuer[T]) Store() *pacer.Store[State[T]] { return x.store }

// GetState returns a copy of the current state.
func (x *Queuer[T]) GetState() State[T] { return x.store.Get() }

// Options returns a copy of the current options.
func (x *Queuer[T]) Options() Options[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// SetOptions replaces the options. The running flag is controlled by Start
// and Stop, not by Started, after construction.
func (x *Queuer[T]) SetOptions(opts Options[T]) {
	x.mu.Lock()
	x.opts.AddItemsTo = opts.AddItemsTo
	x.opts.GetItemsFrom = opts.GetItemsFrom
	x.opts.MaxSize = opts.MaxSize
	x.opts.MaxSizeFunc = opts.MaxSizeFunc
	x.opts.Wait = opts.Wait
	x.opts.WaitFunc = opts.WaitFunc
	x.opts.GetPriority = opts.GetPriority
	x.opts.ExpirationDuration = opts.ExpirationDuration
	x.opts.GetIsExpired = opts.GetIsExpired
	x.opts.OnExpire = opts.OnExpire
	x.opts.OnReject = opts.OnReject
	x.opts.OnExecute = opts.OnExecute
	x.opts.OnIsRunningChange = opts.OnIsRunningChange
	x.opts.OnItemsChange = opts.OnItemsChange
	x.store.Update(func(*State[T]) {})
	x.mu.Unlock()
}

// AddItem admits an item. The optional position overrides the AddItemsTo
// option; both are ignored when a priority function is configured. Returns
// false, after invoking OnReject, when the queue is full.
func (x *Queuer[T]) AddItem(item T, position ...Position) bool {
	x.mu.Lock()

	if maxSize := x.maxSizeLocked(); maxSize > 0 && len(x.items) >= maxSize {
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

	var pos Position
	if len(position) != 0 {
		pos = position[0]
	}
	x.insertLocked(item, pos, x.scheduler.Now())
	x.store.Update(func(*State[T]) {})

	if x.running && x.tickTimer == nil {
		x.scheduleTickLocked(0)
	}

	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	return true
}

// Start enables the automatic tick loop. No-op if already running.
func (x *Queuer[T]) Start() {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.store.Update(func(*State[T]) {})
	if len(x.items) != 0 {
		x.scheduleTickLocked(0)
	}
	onIsRunningChange := x.opts.OnIsRunningChange
	x.mu.Unlock()

	if onIsRunningChange != nil {
		onIsRunningChange(x)
	}
}

// Stop disables the automatic tick loop, without losing items. No-op if
// already stopped.
func (x *Queuer[T]) Stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.stopTickLocked()
	x.store.Update(func(*State[T]) {})
	onIsRunningChange := x.opts.OnIsRunningChange
	x.mu.Unlock()

	if onIsRunningChange != nil {
		onIsRunningChange(x)
	}
}

// Clear drops all queued items, keeping counters. Idempotent.
func (x *Queuer[T]) Clear() {
	x.mu.Lock()
	x.items = nil
	x.timestamps = nil
	x.store.Update(func(*State[T]) {})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Reset drops all items and counters. With withInitialItems, the queue is
// repopulated from the InitialItems option. The running flag is unchanged.
func (x *Queuer[T]) Reset(withInitialItems bool) {
	x.mu.Lock()
	x.items = nil
	x.timestamps = nil
	if withInitialItems {
		now := x.scheduler.Now()
		for _, item := range x.opts.InitialItems {
			x.insertLocked(item, ``, now)
		}
	}
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount = 0
		s.RejectionCount = 0
		s.ExpirationCount = 0
	})
	if x.running && len(x.items) != 0 && x.tickTimer == nil {
		x.scheduleTickLocked(0)
	}
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Execute pops one item (from the optional position, or GetItemsFrom) and
// invokes the operation synchronously, regardless of the running flag.
// Returns the item, and false if the queue was empty.
func (x *Queuer[T]) Execute(position ...Position) (T, bool) {
	x.mu.Lock()
	item, ok := x.popLocked(position...)
	if !ok {
		x.mu.Unlock()
		return item, false
	}
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount++
	})
	onExecute := x.opts.OnExecute
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	x.fn(item)
	if onExecute != nil {
		onExecute(item, x)
	}
	if onItemsChange != nil {
		onItemsChange(x)
	}
	return item, true
}

// GetNextItem pops one item without invoking the operation. Returns false if
// the queue was empty.
func (x *Queuer[T]) GetNextItem(position ...Position) (T, bool) {
	x.mu.Lock()
	item, ok := x.popLocked(position...)
	if !ok {
		x.mu.Unlock()
		return item, false
	}
	x.store.Update(func(*State[T]) {})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	if onItemsChange != nil {
		onItemsChange(x)
	}
	return item, true
}

// PeekNextItem returns the item that would be retrieved next, without
// removing it.
func (x *Queuer[T]) PeekNextItem(position ...Position) (T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var zero T
	if len(x.items) == 0 {
		return zero, false
	}
	if x.retrievalPositionLocked(position...) == PositionBack {
		return x.items[len(x.items)-1], true
	}
	return x.items[0], true
}

// PeekAllItems returns a copy of all queued items, in order.
func (x *Queuer[T]) PeekAllItems() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.items)
}

// Flush synchronously processes up to n items (all, if n is omitted or
// negative), returning the number processed.
func (x *Queuer[T]) Flush(n ...int) int {
	limit := -1
	if len(n) != 0 {
		limit = n[0]
		if limit == 0 {
			return 0
		}
	}

	var processed int
	for limit < 0 || processed < limit {
		if _, ok := x.Execute(); !ok {
			break
		}
		processed++
	}
	return processed
}

// FlushAsBatch hands all queued items to the supplied batch operation,
// clearing the queue. The items count toward ExecutionCount.
func (x *Queuer[T]) FlushAsBatch(batchFn func([]T)) {
	if batchFn == nil {
		panic(`queuer: nil batch operation`)
	}

	x.mu.Lock()
	items := x.items
	x.items = nil
	x.timestamps = nil
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount += len(items)
	})
	onItemsChange := x.opts.OnItemsChange
	x.mu.Unlock()

	batchFn(items)
	if onItemsChange != nil {
		onItemsChange(x)
	}
}

// Size returns the number of queued items.
func (x *Queuer[T]) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// IsEmpty reports whether the queue is empty.
func (x *Queuer[T]) IsEmpty() bool { return x.Size() == 0 }

// IsFull reports whether the queue is at MaxSize.
func (x *Queuer[T]) IsFull() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	maxSize := x.maxSizeLocked()
	return maxSize > 0 && len(x.items) >= maxSize
}

// IsRunning reports whether the automatic tick loop is active.
func (x *Queuer[T]) IsRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

// IsIdle reports whether the queuer is running with nothing to do.
func (x *Queuer[T]) IsIdle() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running && len(x.items) == 0 && x.tickTimer == nil
}

func (x *Queuer[T]) derive(s *State[T]) {
	s.Items = slices.Clone(x.items)
	s.ItemTimestamps = slices.Clone(x.timestamps)
	s.Size = len(x.items)
	s.IsEmpty = len(x.items) == 0
	maxSize := x.maxSizeLocked()
	s.IsFull = maxSize > 0 && len(x.items) >= maxSize
	s.IsRunning = x.running
	s.PendingTick = x.tickTimer != nil
	switch {
	case !x.running:
		s.Status = StatusStopped
	case s.PendingTick:
		s.Status = StatusRunning
	default:
		s.Status = StatusIdle
	}
}

func (x *Queuer[T]) maxSizeLocked() int {
	return pacer.Resolve(x.opts.MaxSizeFunc, x.opts.MaxSize, x)
}

func (x *Queuer[T]) waitLocked() time.Duration {
	return pacer.Resolve(x.opts.WaitFunc, x.opts.Wait, x)
}

// insertLocked places item per the priority function, the explicit position,
// or the AddItemsTo option, mirroring the admission time into timestamps.
func (x *Queuer[T]) insertLocked(item T, position Position, now time.Time) {
	i := len(x.items)
	if x.opts.GetPriority != nil {
		// first index with strictly lower priority keeps admission order
		// among equals
		priority := x.opts.GetPriority(item)
		for j, v := range x.items {
			if x.opts.GetPriority(v) < priority {
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

	x.items = slices.Insert(x.items, i, item)
	x.timestamps = slices.Insert(x.timestamps, i, now)
}

func (x *Queuer[T]) retrievalPositionLocked(position ...Position) Position {
	if len(position) != 0 && position[0] != `` {
		return position[0]
	}
	if x.opts.GetItemsFrom == PositionBack {
		return PositionBack
	}
	return PositionFront
}

func (x *Queuer[T]) popLocked(position ...Position) (T, bool) {
	var zero T
	if len(x.items) == 0 {
		return zero, false
	}

	i := 0
	if x.retrievalPositionLocked(position...) == PositionBack {
		i = len(x.items) - 1
	}

	item := x.items[i]
	x.items = slices.Delete(x.items, i, i+1)
	x.timestamps = slices.Delete(x.timestamps, i, i+1)
	return item, true
}

// expireLocked removes expired items rear-to-front, returning them for
// callback dispatch after unlock.
func (x *Queuer[T]) expireLocked(now time.Time) []T {
	duration := x.opts.ExpirationDuration
	isExpired := x.opts.GetIsExpired
	if duration <= 0 && isExpired == nil {
		return nil
	}

	var expired []T
	for i := len(x.items) - 1; i >= 0; i-- {
		if (isExpired != nil && isExpired(x.items[i], x.timestamps[i])) ||
			(duration > 0 && now.Sub(x.timestamps[i]) > duration) {
			expired = append(expired, x.items[i])
			x.items = slices.Delete(x.items, i, i+1)
			x.timestamps = slices.Delete(x.timestamps, i, i+1)
		}
	}
	return expired
}

func (x *Queuer[T]) stopTickLocked() {
	if x.tickTimer != nil {
		x.tickTimer.Stop()
		x.tickTimer = nil
	}
	x.tickSeq++
}

func (x *Queuer[T]) scheduleTickLocked(delay time.Duration) {
	x.tickSeq++
	seq := x.tickSeq
	x.tickTimer = x.scheduler.Schedule(delay, func() { x.onTick(seq) })
}

func (x *Queuer[T]) onTick(seq uint64) {
	x.mu.Lock()

	if seq != x.tickSeq {
		x.mu.Unlock()
		return
	}
	x.tickTimer = nil

	if !x.running {
		x.store.Update(func(*State[T]) {})
		x.mu.Unlock()
		return
	}

	expired := x.expireLocked(x.scheduler.Now())
	if len(expired) != 0 {
		x.store.Update(func(s *State[T]) {
			s.ExpirationCount += len(expired)
		})
	}
	onExpire := x.opts.OnExpire
	onItemsChange := x.opts.OnItemsChange

	if len(x.items) == 0 {
		x.store.Update(func(*State[T]) {})
		x.mu.Unlock()

		x.dispatchExpired(expired, onExpire, onItemsChange)
		return
	}

	item, _ := x.popLocked()
	x.store.Update(func(s *State[T]) {
		s.ExecutionCount++
	})

	// the next tick is paced from this execution; with a positive wait it
	// is scheduled even when the queue is momentarily empty, so items
	// admitted mid-wait execute on the paced grid
	if wait := x.waitLocked(); wait > 0 {
		x.scheduleTickLocked(wait)
	} else if len(x.items) != 0 {
		x.scheduleTickLocked(0)
	}

	onExecute := x.opts.OnExecute
	x.mu.Unlock()

	x.dispatchExpired(expired, onExpire, onItemsChange)

	x.fn(item)
	if onExecute != nil {
		onExecute(item, x)
	}
	if onItemsChange != nil {
		onItemsChange(x)
	}
}

func (x *Queuer[T]) dispatchExpired(expired []T, onExpire func(T, *Queuer[T]), onItemsChange func(*Queuer[T])) {
	if len(expired) == 0 {
		return
	}
	if onExpire != nil {
		for _, item := range expired {
			onExpire(item, x)
		}
	}
	if onItemsChange != nil {
		onItemsChange(x)
	}
}
