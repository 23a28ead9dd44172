package pacer

import (
	"github.com/joeycumines/logiface"
)

// EventKind identifies the primitive that published a state-change event.
type EventKind string

const (
	EventDebouncer        EventKind = `Debouncer`
	EventAsyncDebouncer   EventKind = `AsyncDebouncer`
	EventThrottler        EventKind = `Throttler`
	EventAsyncThrottler   EventKind = `AsyncThrottler`
	EventRateLimiter      EventKind = `RateLimiter`
	EventAsyncRateLimiter EventKind = `AsyncRateLimiter`
	EventQueuer           EventKind = `Queuer`
	EventAsyncQueuer      EventKind = `AsyncQueuer`
	EventBatcher          EventKind = `Batcher`
	EventAsyncBatcher     EventKind = `AsyncBatcher`
	EventAsyncRetryer     EventKind = `AsyncRetryer`
)

type (
	// Observer is a sink for per-instance state-change notifications, e.g.
	// a devtools bridge or a logger. The instance parameter is the primitive
	// that changed; observers must treat it as read-only, using its state
	// accessor (which returns a copy) rather than mutating methods.
	//
	// Observers are invoked synchronously, after the state change is
	// visible; implementations must not block.
	Observer interface {
		OnStateChange(kind EventKind, key string, instance any)
	}

	// ObserverFunc adapts a function to the [Observer] interface.
	ObserverFunc func(kind EventKind, key string, instance any)

	logObserver[E logiface.Event] struct {
		logger *logiface.Logger[E]
	}
)

func (x ObserverFunc) OnStateChange(kind EventKind, key string, instance any) {
	x(kind, key, instance)
}

// NewLogObserver returns an [Observer] that logs every state-change event at
// debug level, through the provided logiface logger. A nil logger results in
// a no-op observer.
func NewLogObserver[E logiface.Event](logger *logiface.Logger[E]) Observer {
	return logObserver[E]{logger: logger}
}

func (x logObserver[E]) OnStateChange(kind EventKind, key string, _ any) {
	x.logger.Debug().
		Str(`primitive`, string(kind)).
		Str(`key`, key).
		Log(`state change`)
}
