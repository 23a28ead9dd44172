package batcher

import (
	"testing"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *pacer.ManualScheduler {
	return pacer.NewManualScheduler(time.Unix(0, 0))
}

func newTriggerBatcher(scheduler pacer.Scheduler, batches *[][]int) *Batcher[int] {
	return NewBatcher(func(items []int) {
		*batches = append(*batches, items)
	}, Options[int]{
		MaxSize: 5,
		Wait:    3 * time.Second,
		GetShouldExecute: func(items []int, _ *Batcher[int]) bool {
			for _, v := range items {
				if v == 42 {
					return true
				}
			}
			return false
		},
		Scheduler: scheduler,
	})
}

func TestBatcher_timeTrigger(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := newTriggerBatcher(scheduler, &batches)

	// the timer is armed at the first admission
	b.AddItem(1)
	scheduler.Advance(time.Second)
	b.AddItem(2)
	scheduler.Advance(time.Second)
	b.AddItem(3)
	require.Empty(t, batches)
	require.True(t, b.GetState().IsPending)

	scheduler.Advance(time.Second)
	require.Equal(t, [][]int{{1, 2, 3}}, batches)

	state := b.GetState()
	assert.Equal(t, 1, state.ExecutionCount)
	assert.Equal(t, 3, state.TotalItemsProcessed)
	assert.False(t, state.IsPending)
	assert.True(t, state.IsEmpty)
}

func TestBatcher_sizeTrigger(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := newTriggerBatcher(scheduler, &batches)

	b.Reset()
	for i := 1; i <= 5; i++ {
		b.AddItem(i)
	}

	// the size trigger fires immediately, before the timer
	require.Equal(t, [][]int{{1, 2, 3, 4, 5}}, batches)
	scheduler.Advance(time.Minute)
	require.Len(t, batches, 1)
}

func TestBatcher_predicateTrigger(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := newTriggerBatcher(scheduler, &batches)

	b.AddItem(7)
	require.Empty(t, batches)
	b.AddItem(42)
	require.Equal(t, [][]int{{7, 42}}, batches)
}

func TestBatcher_maxSizeBoundsBatches(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := NewBatcher(func(items []int) {
		batches = append(batches, items)
	}, Options[int]{
		MaxSize:   3,
		Scheduler: scheduler,
	})

	for i := 0; i < 10; i++ {
		b.AddItem(i)
	}

	for _, batch := range batches {
		assert.LessOrEqual(t, len(batch), 3)
	}
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, batches)
	require.Equal(t, 1, b.Size())
}

func TestBatcher_dedupKeepFirst(t *testing.T) {
	scheduler := newTestScheduler()

	var rejected []int
	b := NewBatcher(func([]int) {}, Options[int]{
		DeduplicateItems: true,
		Scheduler:        scheduler,
		OnReject:         func(item int, _ *Batcher[int]) { rejected = append(rejected, item) },
	})

	require.True(t, b.AddItem(1))
	require.True(t, b.AddItem(2))
	require.False(t, b.AddItem(1))
	require.True(t, b.AddItem(3))

	// first-seen item per key, in insertion order
	require.Equal(t, []int{1, 2, 3}, b.PeekAllItems())
	require.Equal(t, []int{1}, rejected)
	require.Equal(t, 1, b.GetState().RejectionCount)
}

func TestBatcher_dedupKeepLast(t *testing.T) {
	scheduler := newTestScheduler()

	type event struct {
		ID      int
		Payload string
	}

	var batches [][]event
	b := NewBatcher(func(items []event) {
		batches = append(batches, items)
	}, Options[event]{
		DeduplicateItems:    true,
		DeduplicateStrategy: DedupKeepLast,
		GetItemKey:          func(e event) any { return e.ID },
		Scheduler:           scheduler,
	})

	b.AddItem(event{1, `a`})
	b.AddItem(event{2, `b`})
	b.AddItem(event{1, `c`}) // replaces in place, keeping position

	require.Equal(t, []event{{1, `c`}, {2, `b`}}, b.PeekAllItems())

	b.Flush()
	require.Equal(t, [][]event{{{1, `c`}, {2, `b`}}}, batches)
}

func TestBatcher_flushAndClearAndCancel(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := NewBatcher(func(items []int) {
		batches = append(batches, items)
	}, Options[int]{
		Wait:      time.Second,
		Scheduler: scheduler,
	})

	// flush with nothing pending is a no-op
	b.Flush()
	require.Empty(t, batches)

	b.AddItem(1)
	b.Flush()
	require.Equal(t, [][]int{{1}}, batches)
	scheduler.Advance(time.Minute)
	require.Len(t, batches, 1)

	// clear discards items, keeps counters
	b.AddItem(2)
	b.Clear()
	scheduler.Advance(time.Minute)
	require.Len(t, batches, 1)
	require.Equal(t, 1, b.GetState().ExecutionCount)

	// cancel discards the timer only
	b.AddItem(3)
	require.True(t, b.GetState().IsPending)
	b.Cancel()
	require.False(t, b.GetState().IsPending)
	require.Equal(t, []int{3}, b.PeekAllItems())
	scheduler.Advance(time.Minute)
	require.Len(t, batches, 1)

	b.Cancel()
	b.Cancel()
	require.Equal(t, []int{3}, b.PeekAllItems())
}

func TestBatcher_stopAccumulates(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := NewBatcher(func(items []int) {
		batches = append(batches, items)
	}, Options[int]{
		MaxSize:   2,
		Started:   pacer.Bool(false),
		Scheduler: scheduler,
	})

	b.AddItem(1)
	b.AddItem(2)
	b.AddItem(3)
	require.Empty(t, batches)
	require.Equal(t, StatusStopped, b.GetState().Status)

	// start evaluates triggers against the accumulated items
	b.Start()
	require.Equal(t, [][]int{{1, 2, 3}}, batches)
}

func TestBatcher_reset(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	b := NewBatcher(func(items []int) {
		batches = append(batches, items)
	}, Options[int]{
		Wait:      time.Second,
		Scheduler: scheduler,
	})

	b.AddItem(1)
	scheduler.Advance(time.Second)
	require.Len(t, batches, 1)

	b.AddItem(2)
	b.Reset()
	scheduler.Advance(time.Minute)

	require.Len(t, batches, 1)
	state := b.GetState()
	assert.Zero(t, state.ExecutionCount)
	assert.Zero(t, state.TotalItemsProcessed)
	assert.True(t, state.IsEmpty)

	b.Reset()
	assert.Equal(t, state, b.GetState())
}

func TestBatcher_reentrantAddStartsFreshBatch(t *testing.T) {
	scheduler := newTestScheduler()

	var batches [][]int
	var b *Batcher[int]
	b = NewBatcher(func(items []int) {
		batches = append(batches, items)
		if items[0] == 1 {
			// re-admission from within the operation lands in a new batch
			b.AddItem(99)
		}
	}, Options[int]{
		MaxSize:   2,
		Scheduler: scheduler,
	})

	b.AddItem(1)
	b.AddItem(2)

	require.Equal(t, [][]int{{1, 2}}, batches)
	require.Equal(t, []int{99}, b.PeekAllItems())
}

func TestBatcher_onItemsChangeAndObserver(t *testing.T) {
	scheduler := newTestScheduler()

	var changes int
	var events []pacer.EventKind
	b := NewBatcher(func([]int) {}, Options[int]{
		Scheduler:     scheduler,
		OnItemsChange: func(*Batcher[int]) { changes++ },
		Observer: pacer.ObserverFunc(func(kind pacer.EventKind, _ string, _ any) {
			events = append(events, kind)
		}),
	})

	b.AddItem(1)
	require.Equal(t, 1, changes)
	require.NotEmpty(t, events)
	require.Equal(t, pacer.EventBatcher, events[0])
}

func TestNewBatcher_nilOperationPanics(t *testing.T) {
	require.PanicsWithValue(t, `batcher: nil operation`, func() {
		NewBatcher[int](nil, Options[int]{})
	})
}
