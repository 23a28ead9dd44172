package ratelimiter

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// ringBuffer stores ordered values, appended at the write end and released
// from the read end, growing by doubling when full. Execution timestamps are
// recorded in temporal order, so no insert-at-index support is needed.
type ringBuffer[E constraints.Ordered] struct {
	s    []E
	r, w uint
}

func newRingBuffer[E constraints.Ordered](size int) *ringBuffer[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic(`ratelimiter: ring: size must be a power of 2`)
	}
	return &ringBuffer[E]{s: make([]E, size)}
}

func (x *ringBuffer[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *ringBuffer[E]) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

func (x *ringBuffer[E]) Len() int {
	return int(x.w - x.r)
}

func (x *ringBuffer[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic(`ratelimiter: ring: get: index out of range`)
	}
	return x.s[x.mask(x.r+uint(i))]
}

func (x *ringBuffer[E]) Slice() (b []E) {
	if l := x.Len(); l != 0 {
		b = make([]E, l)
		i1, l1, l2 := x.bounds()
		copy(b, x.s[i1:l1])
		copy(b[l1-i1:], x.s[:l2])
	}
	return b
}

// Push appends value at the write end.
func (x *ringBuffer[E]) Push(value E) {
	if l := x.Len(); l == len(x.s) {
		s := make([]E, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic(`ratelimiter: ring: push: overflow`)
		}
		i1, l1, l2 := x.bounds()
		copy(s, x.s[i1:l1])
		copy(s[l1-i1:], x.s[:l2])
		x.r = 0
		x.w = uint(l)
		x.s = s
	}
	x.s[x.mask(x.w)] = value
	x.w++
}

// RemoveBefore releases the first index values from the read end.
func (x *ringBuffer[E]) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic(`ratelimiter: ring: remove before: index out of range`)
	}
	x.r += uint(index)
}

// Search returns the index of the first value >= the given value.
func (x *ringBuffer[E]) Search(value E) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}
