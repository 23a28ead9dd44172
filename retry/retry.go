// Package retry invokes an asynchronous operation up to a configurable
// number of attempts, spacing attempts with an exponential backoff schedule,
// and propagating a cancellation signal into the operation.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	pacer "github.com/joeycumines/go-pacer"
)

// ErrExecuting is returned by [Retryer.Execute] when an execution is already
// in flight. Retryers are serial; callers needing concurrent executions
// should use one instance per call.
var ErrExecuting = errors.New(`retry: execution already in flight`)

type (
	// Options models optional configuration, for NewRetryer.
	Options[T, R any] struct {
		// MaxAttempts is the total number of invocations allowed per
		// execution, including the first. Defaults to 3, if 0.
		MaxAttempts int

		// InitialDelay is the delay before the first retry.
		InitialDelay time.Duration

		// Multiplier scales the delay after each failed attempt.
		// Defaults to 2, if 0.
		Multiplier float64

		// MaxDelay caps the backoff delay, if positive.
		MaxDelay time.Duration

		// Jitter randomizes each delay by up to the given fraction (0..1)
		// in either direction.
		Jitter float64

		// ShouldRetry decides whether the error from the given attempt
		// (1-based) warrants another try. Defaults to retrying every error.
		ShouldRetry func(err error, attempt int) bool

		// OnRetry is invoked before each retry is scheduled.
		OnRetry func(err error, attempt int, instance *Retryer[T, R])

		// Key identifies this instance to the Observer.
		Key string

		// Scheduler is the timer capability, used for backoff delays.
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
		OnStateChange func(State)
	}

	// Status is the derived lifecycle state of a [Retryer].
	Status string

	// State is the observable state of a [Retryer].
	State struct {
		Status Status
		// Attempts is the attempt number of the in-flight execution, or
		// that of the last completed one.
		Attempts int
		// ExecutionCount is the number of completed executions (any number
		// of attempts each).
		ExecutionCount int
		// ErrorCount is the number of executions that exhausted their
		// attempts, or failed terminally.
		ErrorCount  int
		IsExecuting bool
	}

	// Retryer executes an asynchronous operation with bounded retries and
	// exponential backoff. Executions are serial: at most one per instance
	// at a time, enforced by [ErrExecuting].
	//
	// Instances must be initialized using the NewRetryer factory.
	Retryer[T, R any] struct {
		fn        func(context.Context, T) (R, error)
		opts      Options[T, R]
		scheduler pacer.Scheduler
		store     *pacer.Store[State]
		cancel    context.CancelFunc
		mu        sync.Mutex
	}
)

const (
	StatusIdle      Status = `idle`
	StatusExecuting Status = `executing`
)

// NewRetryer initializes a new Retryer wrapping fn, using the provided
// Options, which may be the zero value. A panic will occur if fn is nil.
func NewRetryer[T, R any](fn func(context.Context, T) (R, error), opts Options[T, R]) *Retryer[T, R] {
	if fn == nil {
		panic(`retry: nil operation`)
	}

	x := &Retryer[T, R]{
		fn:        fn,
		opts:      opts,
		scheduler: pacer.DefaultScheduler(opts.Scheduler),
	}

	x.store = pacer.NewStore(State{}, func(s *State) {
		if s.IsExecuting {
			s.Status = StatusExecuting
		} else {
			s.Status = StatusIdle
		}
	})

	if opts.OnStateChange != nil {
		x.store.Subscribe(opts.OnStateChange)
	}
	if opts.Observer != nil {
		x.store.Subscribe(func(State) {
			opts.Observer.OnStateChange(pacer.EventAsyncRetryer, opts.Key, x)
		})
	}

	return x
}

// Store exposes the observable state store.
func (x *Retryer[T, R]) Store() *pacer.Store[State] { return x.store }

// GetState returns a copy of the current state.
func (x *Retryer[T, R]) GetState() State { return x.store.Get() }

// Options returns a copy of the options.
func (x *Retryer[T, R]) Options() Options[T, R] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.opts
}

// Execute invokes the operation, retrying failed attempts per the backoff
// schedule, until an attempt succeeds, the schedule is exhausted, ShouldRetry
// declines, ctx cancels, or [Retryer.Abort] is called. The context passed to
// the operation is shared by all attempts of one execution, and is canceled on
// abort or once Execute returns; operations should honor it.
//
// Returns [ErrExecuting] if called while another execution is in flight.
func (x *Retryer[T, R]) Execute(ctx context.Context, args T) (R, error) {
	var zero R

	x.mu.Lock()
	if x.cancel != nil {
		x.mu.Unlock()
		return zero, ErrExecuting
	}
	execCtx, cancel := context.WithCancel(ctx)
	x.cancel = cancel
	maxAttempts := x.opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	shouldRetry := x.opts.ShouldRetry
	onRetry := x.opts.OnRetry
	x.store.Update(func(s *State) {
		s.IsExecuting = true
		s.Attempts = 0
	})
	x.mu.Unlock()

	defer func() {
		cancel()
		x.mu.Lock()
		x.cancel = nil
		x.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		x.store.Update(func(s *State) {
			s.Attempts = attempt
		})

		result, err := x.fn(execCtx, args)
		if err == nil {
			x.settle(nil)
			return result, nil
		}
		lastErr = err

		if err := execCtx.Err(); err != nil {
			// aborted, or the caller's context canceled: no further retries
			x.settle(lastErr)
			return zero, lastErr
		}

		if attempt == maxAttempts || (shouldRetry != nil && !shouldRetry(err, attempt)) {
			break
		}

		if onRetry != nil {
			onRetry(err, attempt, x)
		}

		if err := x.sleep(execCtx, x.delayFor(attempt)); err != nil {
			x.settle(lastErr)
			return zero, lastErr
		}
	}

	x.settle(lastErr)
	return zero, lastErr
}

// Abort cancels the in-flight execution, if any: the operation's context is
// canceled and no further retries are scheduled. Idempotent.
func (x *Retryer[T, R]) Abort() {
	x.mu.Lock()
	cancel := x.cancel
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsExecuting reports whether an execution is in flight.
func (x *Retryer[T, R]) IsExecuting() bool { return x.store.Get().IsExecuting }

func (x *Retryer[T, R]) settle(err error) {
	x.store.Update(func(s *State) {
		s.IsExecuting = false
		s.ExecutionCount++
		if err != nil {
			s.ErrorCount++
		}
	})
}

// delayFor computes the backoff delay after the given failed attempt
// (1-based).
func (x *Retryer[T, R]) delayFor(attempt int) time.Duration {
	x.mu.Lock()
	initial := x.opts.InitialDelay
	multiplier := x.opts.Multiplier
	maxDelay := x.opts.MaxDelay
	jitter := x.opts.Jitter
	x.mu.Unlock()

	if multiplier == 0 {
		multiplier = 2
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		delay *= 1 + jitter*(rand.Float64()*2-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleep blocks for d using the scheduler, returning early with an error if
// ctx cancels.
func (x *Retryer[T, R]) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	timer := x.scheduler.Schedule(d, func() { close(done) })
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ctx.Err()
	}
}
