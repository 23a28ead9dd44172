package pacer

import (
	"sync"
	"sync/atomic"
)

type (
	// Store is an observable state container. Every primitive owns exactly
	// one Store, and mutates it only through [Store.Update], which is the
	// single path on which counters and flags change: it applies the
	// mutation, recomputes derived fields, publishes the result, and then
	// notifies subscribers with a copy.
	//
	// Reads never block on updates: [Store.Get] returns the most recently
	// published snapshot, so it is safe to call from anywhere, including
	// from option functions resolved during an update (which observe the
	// state as of just before that update).
	//
	// Subscribers are invoked synchronously, after the new state is
	// visible; they receive a copy, and must not block, nor synchronously
	// re-enter the owning primitive's mutating methods.
	//
	// Instances must be initialized using the [NewStore] factory.
	Store[S any] struct {
		snapshot    atomic.Pointer[S]
		derive      func(*S)
		subscribers []*subscriber[S]
		mu          sync.Mutex
	}

	subscriber[S any] struct {
		fn func(S)
	}
)

// NewStore creates a Store with the given initial state. The optional derive
// function recomputes derived fields (status, size, exceeded flags, and the
// like); it runs on the initial state, and again after every update, before
// the result is published.
func NewStore[S any](initial S, derive func(*S)) *Store[S] {
	x := &Store[S]{derive: derive}
	if derive != nil {
		derive(&initial)
	}
	x.snapshot.Store(&initial)
	return x
}

// Get returns a copy of the most recently published state.
//
// WARNING: Reference-typed state fields (slices, maps, pointers) are shared
// between snapshots; the primitives in this module only publish freshly
// allocated values in such fields, preserving snapshot semantics.
func (x *Store[S]) Get() S {
	return *x.snapshot.Load()
}

// Update applies fn to the state, recomputes derived fields, publishes the
// result, then notifies subscribers with a copy, which is also returned.
// Updates are serialized; the owning primitive additionally serializes them
// through its own lock.
func (x *Store[S]) Update(fn func(*S)) S {
	x.mu.Lock()
	state := *x.snapshot.Load()
	fn(&state)
	if x.derive != nil {
		x.derive(&state)
	}
	x.snapshot.Store(&state)
	subscribers := x.subscribers
	x.mu.Unlock()

	for _, s := range subscribers {
		s.fn(state)
	}

	return state
}

// Subscribe registers fn to be called after every update. The returned
// function unregisters it, and is safe to call more than once.
func (x *Store[S]) Subscribe(fn func(S)) (unsubscribe func()) {
	s := &subscriber[S]{fn: fn}

	x.mu.Lock()
	// copy-on-write, so Update can iterate without holding the lock
	subscribers := make([]*subscriber[S], len(x.subscribers), len(x.subscribers)+1)
	copy(subscribers, x.subscribers)
	x.subscribers = append(subscribers, s)
	x.mu.Unlock()

	return func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		for i, v := range x.subscribers {
			if v == s {
				subscribers := make([]*subscriber[S], 0, len(x.subscribers)-1)
				subscribers = append(subscribers, x.subscribers[:i]...)
				x.subscribers = append(subscribers, x.subscribers[i+1:]...)
				break
			}
		}
	}
}
