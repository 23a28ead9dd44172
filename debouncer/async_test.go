package debouncer

import (
	"context"
	"errors"
	"testing"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncDebouncer_trailingResult(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	}, AsyncOptions[int, int]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	h1 := d.MaybeExecute(1)
	h2 := d.MaybeExecute(2)
	require.NotSame(t, h1, h2)

	// h1 was superseded before anything completed: zero result
	result, err := h1.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)

	scheduler.Advance(100 * time.Millisecond)

	// the newest offer's handle awaits the trailing execution
	result, err = h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, result)

	state := d.GetState()
	assert.Equal(t, 1, state.ExecutionCount)
	assert.Equal(t, 1, state.SuccessCount)
	assert.Equal(t, 1, state.SettleCount)
	assert.Zero(t, state.ErrorCount)
	require.NotNil(t, state.LastResult)
	assert.Equal(t, 20, *state.LastResult)
}

func TestAsyncDebouncer_leadingAndTrailingBurstResults(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	}, AsyncOptions[int, int]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Scheduler: scheduler,
	})

	// the leading offer's handle is bound to the leading execution, even
	// when it settles before the wait elapses
	h1 := d.MaybeExecute(1)
	result, err := h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, result)

	// the newest offer's handle awaits the trailing execution, which sees
	// the latest arguments; the fast leading settle must not steal it
	scheduler.Advance(50 * time.Millisecond)
	h2 := d.MaybeExecute(2)
	require.NotSame(t, h1, h2)

	scheduler.Advance(100 * time.Millisecond)
	result, err = h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, result)

	state := d.GetState()
	assert.Equal(t, 2, state.ExecutionCount)
	assert.Equal(t, 2, state.SuccessCount)
	require.NotNil(t, state.LastResult)
	assert.Equal(t, 20, *state.LastResult)
}

func TestAsyncDebouncer_supersededResolvesWithLastResult(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	}, AsyncOptions[int, int]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Scheduler: scheduler,
	})

	h1 := d.MaybeExecute(1)
	_, err := h1.Wait(context.Background())
	require.NoError(t, err)

	scheduler.Advance(10 * time.Millisecond)
	h2 := d.MaybeExecute(2)
	scheduler.Advance(10 * time.Millisecond)
	h3 := d.MaybeExecute(3)
	require.NotSame(t, h2, h3)

	// h2 was superseded by h3; it settles with the most recent completed
	// result, which is the leading execution's
	result, err := h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, result)

	scheduler.Advance(100 * time.Millisecond)
	result, err = h3.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, result)
}

func TestAsyncDebouncer_errorDefaultThrows(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})
	errBoom := errors.New(`boom`)

	d := NewAsyncDebouncer(func(context.Context, int) (int, error) {
		return 0, errBoom
	}, AsyncOptions[int, int]{
		Wait:      50 * time.Millisecond,
		Scheduler: scheduler,
	})

	h := d.MaybeExecute(1)
	scheduler.Advance(50 * time.Millisecond)

	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, d.GetState().ErrorCount)
}

func TestAsyncDebouncer_onErrorSwallows(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})
	errBoom := errors.New(`boom`)

	var handled []error
	var settled int
	d := NewAsyncDebouncer(func(context.Context, int) (int, error) {
		return 0, errBoom
	}, AsyncOptions[int, int]{
		Wait:      50 * time.Millisecond,
		Scheduler: scheduler,
		OnError: func(err error, _ *AsyncDebouncer[int, int]) {
			handled = append(handled, err)
		},
		OnSettled: func(*AsyncDebouncer[int, int]) { settled++ },
	})

	h := d.MaybeExecute(1)
	scheduler.Advance(50 * time.Millisecond)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)
	require.Equal(t, []error{errBoom}, handled)
	require.Equal(t, 1, settled)
}

func TestAsyncDebouncer_cancelSettlesHandle(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		Wait:      100 * time.Millisecond,
		Scheduler: scheduler,
	})

	h := d.MaybeExecute(1)
	d.Cancel()

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)

	scheduler.Advance(time.Second)
	assert.Zero(t, d.GetState().ExecutionCount)
}

func TestAsyncDebouncer_cancelAbortsInFlight(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	aborted := make(chan struct{})
	started := make(chan struct{})
	d := NewAsyncDebouncer(func(ctx context.Context, v int) (int, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return 0, ctx.Err()
	}, AsyncOptions[int, int]{
		Wait:      10 * time.Millisecond,
		Scheduler: scheduler,
		OnError:   func(error, *AsyncDebouncer[int, int]) {},
	})

	d.MaybeExecute(1)
	scheduler.Advance(10 * time.Millisecond)
	<-started

	d.Cancel()

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal(`operation context was not canceled`)
	}
}

func TestAsyncDebouncer_cancelAbortsAllInFlight(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	started := make(chan struct{}, 2)
	aborted := make(chan struct{}, 2)
	d := NewAsyncDebouncer(func(ctx context.Context, v int) (int, error) {
		started <- struct{}{}
		<-ctx.Done()
		aborted <- struct{}{}
		return 0, ctx.Err()
	}, AsyncOptions[int, int]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Scheduler: scheduler,
		OnError:   func(error, *AsyncDebouncer[int, int]) {},
	})

	// a slow leading execution still in flight when the trailing one is
	// flushed: two genuinely concurrent executions
	d.MaybeExecute(1)
	<-started
	d.MaybeExecute(2)
	d.Flush()
	<-started

	d.Cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-aborted:
		case <-time.After(5 * time.Second):
			t.Fatal(`cancel did not abort every in-flight execution`)
		}
	}
}

func TestAsyncDebouncer_leadingResolvesBurstHandle(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v string) (string, error) {
		return v + `!`, nil
	}, AsyncOptions[string, string]{
		Wait:      100 * time.Millisecond,
		Leading:   true,
		Trailing:  pacer.Bool(false),
		Scheduler: scheduler,
	})

	h := d.MaybeExecute(`a`)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, `a!`, result)
}

func TestAsyncDebouncer_flush(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		Wait:      time.Hour,
		Scheduler: scheduler,
	})

	require.Nil(t, d.Flush())

	d.MaybeExecute(42)
	h := d.Flush()
	require.NotNil(t, h)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestAsyncDebouncer_abandonedBurstSettles(t *testing.T) {
	scheduler := pacer.NewManualScheduler(time.Time{})

	d := NewAsyncDebouncer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		Wait:      50 * time.Millisecond,
		Trailing:  pacer.Bool(false),
		Scheduler: scheduler,
	})

	// neither edge enabled for this offer, the handle must still settle
	h := d.MaybeExecute(1)
	scheduler.Advance(50 * time.Millisecond)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)
	require.Zero(t, d.GetState().ExecutionCount)
}
