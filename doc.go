// Package pacer provides the shared kernel for a set of execution-pacing
// primitives: a debouncer, a throttler, a rate limiter, a queuer, and a
// batcher, each with synchronous and asynchronous variants.
//
// The primitives themselves live in sibling packages (debouncer, throttler,
// ratelimiter, queuer, batcher, retry). They are independent of one another,
// and share only what this package provides:
//
//   - [Scheduler], an injected one-shot timer capability, so that all timing
//     behavior can be driven by virtual time in tests (see [ManualScheduler])
//   - [Store], an observable per-instance state container with a single
//     update path
//   - [Observer] and [EventKind], a read-only state-change event channel,
//     with [NewLogObserver] providing a logiface-backed implementation
//
// All primitives serialize state transitions of a single instance through a
// mutex; instances are safe for concurrent use, and independent of each
// other.
package pacer
