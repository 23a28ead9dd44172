package queuer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/joeycumines/go-pacer/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncQueuer_processesWithResults(t *testing.T) {
	scheduler := newTestScheduler()

	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	}, AsyncOptions[int, int]{
		Scheduler: scheduler,
	})

	h1 := q.AddItem(1)
	h2 := q.AddItem(2)
	require.NotNil(t, h1)
	require.NotNil(t, h2)

	scheduler.Advance(0)

	result, err := h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, result)

	result, err = h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, result)

	state := q.GetState()
	assert.Equal(t, 2, state.ExecutionCount)
	assert.Equal(t, 2, state.SuccessCount)
}

func TestAsyncQueuer_concurrencyLimit(t *testing.T) {
	scheduler := newTestScheduler()

	var mu sync.Mutex
	var inFlight, maxInFlight int
	release := make(chan struct{})

	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		return v, nil
	}, AsyncOptions[int, int]{
		Concurrency: 2,
		Scheduler:   scheduler,
	})

	handles := make([]*Execution[int], 5)
	for i := range handles {
		handles[i] = q.AddItem(i)
	}
	scheduler.Advance(0)

	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxInFlight, 2)
	require.Equal(t, 5, q.GetState().SettleCount)
}

func TestAsyncQueuer_errorRouting(t *testing.T) {
	scheduler := newTestScheduler()
	errBoom := errors.New(`boom`)

	t.Run(`default throws`, func(t *testing.T) {
		q := NewAsyncQueuer(func(context.Context, int) (int, error) {
			return 0, errBoom
		}, AsyncOptions[int, int]{
			Scheduler: scheduler,
			RetryerOptions: retry.Options[int, int]{
				MaxAttempts: 1,
			},
		})

		h := q.AddItem(1)
		scheduler.Advance(0)

		_, err := h.Wait(context.Background())
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, 1, q.GetState().ErrorCount)
	})

	t.Run(`onError swallows`, func(t *testing.T) {
		var handled []error
		q := NewAsyncQueuer(func(context.Context, int) (int, error) {
			return 0, errBoom
		}, AsyncOptions[int, int]{
			Scheduler: scheduler,
			RetryerOptions: retry.Options[int, int]{
				MaxAttempts: 1,
			},
			OnError: func(err error, _ *AsyncQueuer[int, int]) {
				handled = append(handled, err)
			},
		})

		h := q.AddItem(1)
		scheduler.Advance(0)

		_, err := h.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, []error{errBoom}, handled)
	})
}

func TestAsyncQueuer_retries(t *testing.T) {
	scheduler := newTestScheduler()
	errFlaky := errors.New(`flaky`)

	var attempts int
	q := NewAsyncQueuer(func(context.Context, struct{}) (string, error) {
		attempts++
		if attempts < 3 {
			return ``, errFlaky
		}
		return `ok`, nil
	}, AsyncOptions[struct{}, string]{
		Scheduler: scheduler,
		RetryerOptions: retry.Options[struct{}, string]{
			MaxAttempts: 5,
		},
	})

	h := q.AddItem(struct{}{})
	scheduler.Advance(0)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, `ok`, result)
	require.Equal(t, 3, attempts)
}

func TestAsyncQueuer_admissionOrderPreserved(t *testing.T) {
	scheduler := newTestScheduler()

	var mu sync.Mutex
	var started []int

	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		mu.Lock()
		started = append(started, v)
		mu.Unlock()
		return v, nil
	}, AsyncOptions[int, int]{
		Started:   pacer.Bool(false),
		Scheduler: scheduler,
	})

	handles := make([]*Execution[int], 10)
	for i := range handles {
		handles[i] = q.AddItem(i)
	}
	q.Start()
	scheduler.Advance(0)

	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, started)
}

func TestAsyncQueuer_rejectWhenFull(t *testing.T) {
	scheduler := newTestScheduler()

	var rejected []int
	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		MaxSize:   1,
		Started:   pacer.Bool(false),
		Scheduler: scheduler,
		OnReject:  func(item int, _ *AsyncQueuer[int, int]) { rejected = append(rejected, item) },
	})

	require.NotNil(t, q.AddItem(1))
	require.Nil(t, q.AddItem(2))
	require.Equal(t, []int{2}, rejected)
	require.Equal(t, 1, q.GetState().RejectionCount)
}

func TestAsyncQueuer_clearSettlesHandles(t *testing.T) {
	scheduler := newTestScheduler()

	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		Started:   pacer.Bool(false),
		Scheduler: scheduler,
	})

	h := q.AddItem(1)
	q.Clear()

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)
	require.True(t, q.IsEmpty())
	// clear keeps counters
	require.Zero(t, q.GetState().ExecutionCount)
}

func TestAsyncQueuer_expirationSettlesHandles(t *testing.T) {
	scheduler := newTestScheduler()

	var expired []int
	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		return v, nil
	}, AsyncOptions[int, int]{
		Started:            pacer.Bool(false),
		Scheduler:          scheduler,
		ExpirationDuration: time.Second,
		OnExpire:           func(item int, _ *AsyncQueuer[int, int]) { expired = append(expired, item) },
	})

	h := q.AddItem(1)
	scheduler.Advance(2 * time.Second)
	q.Start()
	scheduler.Advance(0)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, result)
	require.Equal(t, []int{1}, expired)
	require.Equal(t, 1, q.GetState().ExpirationCount)
}

func TestAsyncQueuer_pacedStarts(t *testing.T) {
	scheduler := newTestScheduler()

	var mu sync.Mutex
	var startTimes []time.Time

	q := NewAsyncQueuer(func(_ context.Context, v int) (int, error) {
		mu.Lock()
		startTimes = append(startTimes, scheduler.Now())
		mu.Unlock()
		return v, nil
	}, AsyncOptions[int, int]{
		Wait:      time.Second,
		Started:   pacer.Bool(false),
		Scheduler: scheduler,
	})

	handles := []*Execution[int]{q.AddItem(1), q.AddItem(2), q.AddItem(3)}
	q.Start()

	scheduler.Advance(0)
	waitSettled(t, handles[0])
	scheduler.Advance(time.Second)
	waitSettled(t, handles[1])
	scheduler.Advance(time.Second)
	waitSettled(t, handles[2])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, startTimes, 3)
	assert.Equal(t, time.Unix(0, 0), startTimes[0])
	assert.Equal(t, time.Unix(0, 0).Add(time.Second), startTimes[1])
	assert.Equal(t, time.Unix(0, 0).Add(2*time.Second), startTimes[2])
}

func waitSettled[R any](t *testing.T, h *Execution[R]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}
