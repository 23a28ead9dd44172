package debouncer

import (
	"testing"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_trailingUsesLastArgs(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls []int
	d := NewDebouncer(func(v int) { calls = append(calls, v) }, Options[int]{
		Wait:      500 * time.Millisecond,
		Scheduler: scheduler,
	})

	d.MaybeExecute(1)
	scheduler.Advance(200 * time.Millisecond)
	d.MaybeExecute(2)
	scheduler.Advance(200 * time.Millisecond)
	d.MaybeExecute(3)

	require.Empty(t, calls)
	require.True(t, d.GetState().IsPending)

	// quiet period ends 500ms after the last offer, at t=900
	scheduler.Advance(499 * time.Millisecond)
	require.Empty(t, calls)
	scheduler.Advance(1 * time.Millisecond)

	require.Equal(t, []int{3}, calls)
	state := d.GetState()
	assert.Equal(t, 1, state.ExecutionCount)
	assert.False(t, state.IsPending)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestDebouncer_leadingSingleOfferDoesNotRefire(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls []string
	d := NewDebouncer(func(v string) { calls = append(calls, v) }, Options[string]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Trailing:  pacer.Bool(true),
		Scheduler: scheduler,
	})

	d.MaybeExecute(`a`)
	require.Equal(t, []string{`a`}, calls)
	require.False(t, d.GetState().CanLeadingExecute)

	scheduler.Advance(time.Second)

	// the burst had exactly one call, so the trailing edge must not re-fire
	require.Equal(t, []string{`a`}, calls)
	require.True(t, d.GetState().CanLeadingExecute)
	require.Equal(t, 1, d.GetState().ExecutionCount)
}

func TestDebouncer_leadingAndTrailingBurst(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls []int
	d := NewDebouncer(func(v int) { calls = append(calls, v) }, Options[int]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Scheduler: scheduler,
	})

	d.MaybeExecute(1)
	scheduler.Advance(50 * time.Millisecond)
	d.MaybeExecute(2)
	scheduler.Advance(100 * time.Millisecond)

	require.Equal(t, []int{1, 2}, calls)
}

func TestDebouncer_leadingOnly(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls []int
	d := NewDebouncer(func(v int) { calls = append(calls, v) }, Options[int]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Trailing:  pacer.Bool(false),
		Scheduler: scheduler,
	})

	d.MaybeExecute(1)
	d.MaybeExecute(2)
	d.MaybeExecute(3)
	require.Equal(t, []int{1}, calls)

	scheduler.Advance(100 * time.Millisecond)
	require.Equal(t, []int{1}, calls)

	// leading edge re-armed after the quiet period
	d.MaybeExecute(4)
	require.Equal(t, []int{1, 4}, calls)
}

func TestDebouncer_cancel(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls int
	d := NewDebouncer(func(struct{}) { calls++ }, Options[struct{}]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	d.MaybeExecute(struct{}{})
	d.Cancel()
	scheduler.Advance(time.Second)

	require.Zero(t, calls)
	state := d.GetState()
	assert.False(t, state.IsPending)
	assert.True(t, state.CanLeadingExecute)
	assert.Nil(t, state.LastArgs)

	// idempotent
	d.Cancel()
	d.Cancel()
	assert.Equal(t, state, d.GetState())
}

func TestDebouncer_flush(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls []int
	d := NewDebouncer(func(v int) { calls = append(calls, v) }, Options[int]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	d.MaybeExecute(7)
	d.Flush()
	require.Equal(t, []int{7}, calls)

	// the canceled timer must not fire a second execution
	scheduler.Advance(time.Second)
	require.Equal(t, []int{7}, calls)

	// flush with nothing pending is a no-op
	d.Flush()
	require.Equal(t, []int{7}, calls)
}

func TestDebouncer_disabledMidWait(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls int
	d := NewDebouncer(func(struct{}) { calls++ }, Options[struct{}]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	d.MaybeExecute(struct{}{})
	require.True(t, d.GetState().IsPending)

	opts := d.Options()
	opts.Enabled = pacer.Bool(false)
	d.SetOptions(opts)

	state := d.GetState()
	require.False(t, state.IsPending)
	require.Equal(t, StatusDisabled, state.Status)

	// re-enabling does not auto-fire
	opts.Enabled = pacer.Bool(true)
	d.SetOptions(opts)
	scheduler.Advance(time.Second)
	require.Zero(t, calls)

	// offers while disabled are ignored
	opts.Enabled = pacer.Bool(false)
	d.SetOptions(opts)
	d.MaybeExecute(struct{}{})
	scheduler.Advance(time.Second)
	require.Zero(t, calls)
}

func TestDebouncer_waitFunc(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls int
	d := NewDebouncer(func(struct{}) { calls++ }, Options[struct{}]{
		WaitFunc: func(d *Debouncer[struct{}]) time.Duration {
			// longer wait after the first execution
			if d.GetState().ExecutionCount > 0 {
				return 200 * time.Millisecond
			}
			return 50 * time.Millisecond
		},
		Scheduler: scheduler,
	})

	d.MaybeExecute(struct{}{})
	scheduler.Advance(50 * time.Millisecond)
	require.Equal(t, 1, calls)

	d.MaybeExecute(struct{}{})
	scheduler.Advance(50 * time.Millisecond)
	require.Equal(t, 1, calls)
	scheduler.Advance(150 * time.Millisecond)
	require.Equal(t, 2, calls)
}

func TestDebouncer_reset(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var calls int
	d := NewDebouncer(func(struct{}) { calls++ }, Options[struct{}]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	d.MaybeExecute(struct{}{})
	scheduler.Advance(100 * time.Millisecond)
	require.Equal(t, 1, calls)

	d.MaybeExecute(struct{}{})
	d.Reset()
	scheduler.Advance(time.Second)

	require.Equal(t, 1, calls)
	state := d.GetState()
	assert.Zero(t, state.ExecutionCount)
	assert.True(t, state.CanLeadingExecute)

	d.Reset()
	assert.Equal(t, state, d.GetState())
}

func TestDebouncer_onStateChangeSeesConsistentSnapshots(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	var observed []Status
	d := NewDebouncer(func(struct{}) {}, Options[struct{}]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
		OnStateChange: func(s State[struct{}]) {
			observed = append(observed, s.Status)
		},
	})

	d.MaybeExecute(struct{}{})
	scheduler.Advance(100 * time.Millisecond)

	require.Equal(t, []Status{StatusPending, StatusIdle}, observed)
	_ = d
}

func TestDebouncer_observer(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	type event struct {
		kind pacer.EventKind
		key  string
	}
	var events []event
	d := NewDebouncer(func(struct{}) {}, Options[struct{}]{
		Wait:      100 * time.Millisecond,
		Key:       `search-input`,
		Scheduler: scheduler,
		Observer: pacer.ObserverFunc(func(kind pacer.EventKind, key string, _ any) {
			events = append(events, event{kind, key})
		}),
	})

	d.MaybeExecute(struct{}{})

	require.NotEmpty(t, events)
	require.Equal(t, event{pacer.EventDebouncer, `search-input`}, events[0])
}

func TestNewDebouncer_nilOperationPanics(t *testing.T) {
	require.PanicsWithValue(t, `debouncer: nil operation`, func() {
		NewDebouncer[int](nil, Options[int]{})
	})
}
