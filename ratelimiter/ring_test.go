package ratelimiter

import (
	"testing"
)

func TestRingBuffer_pushAndSlice(t *testing.T) {
	r := newRingBuffer[int64](2)

	for i := int64(1); i <= 5; i++ {
		r.Push(i * 10)
	}

	if r.Len() != 5 {
		t.Fatalf(`expected len 5, got %d`, r.Len())
	}

	s := r.Slice()
	for i, v := range []int64{10, 20, 30, 40, 50} {
		if s[i] != v {
			t.Fatalf(`expected %d at %d, got %d`, v, i, s[i])
		}
	}
}

func TestRingBuffer_wrapAround(t *testing.T) {
	r := newRingBuffer[int64](4)

	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.RemoveBefore(2)
	r.Push(4)
	r.Push(5)
	r.Push(6) // wraps

	if r.Len() != 4 {
		t.Fatalf(`expected len 4, got %d`, r.Len())
	}
	for i, v := range []int64{3, 4, 5, 6} {
		if r.Get(i) != v {
			t.Fatalf(`expected %d at %d, got %d`, v, i, r.Get(i))
		}
	}
}

func TestRingBuffer_growWhileWrapped(t *testing.T) {
	r := newRingBuffer[int64](2)

	r.Push(1)
	r.Push(2)
	r.RemoveBefore(1)
	r.Push(3) // wrapped
	r.Push(4) // grows while wrapped

	s := r.Slice()
	for i, v := range []int64{2, 3, 4} {
		if s[i] != v {
			t.Fatalf(`expected %d at %d, got %d`, v, i, s[i])
		}
	}
}

func TestRingBuffer_search(t *testing.T) {
	r := newRingBuffer[int64](4)
	for _, v := range []int64{10, 20, 30} {
		r.Push(v)
	}

	for _, tc := range []struct {
		value int64
		index int
	}{
		{5, 0},
		{10, 0},
		{11, 1},
		{30, 2},
		{31, 3},
	} {
		if i := r.Search(tc.value); i != tc.index {
			t.Fatalf(`search %d: expected %d, got %d`, tc.value, tc.index, i)
		}
	}
}

func TestRingBuffer_removeAll(t *testing.T) {
	r := newRingBuffer[int64](2)
	r.Push(1)
	r.Push(2)
	r.RemoveBefore(r.Len())

	if r.Len() != 0 {
		t.Fatalf(`expected empty, got len %d`, r.Len())
	}
	if s := r.Slice(); s != nil {
		t.Fatalf(`expected nil slice, got %v`, s)
	}
}

func TestNewRingBuffer_invalidSizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal(`expected panic`)
		}
	}()
	newRingBuffer[int64](3)
}
