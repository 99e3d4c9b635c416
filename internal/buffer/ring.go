package buffer

import "sync"

// Ring is a fixed-capacity circular buffer that overwrites its oldest entry
// when full. It is safe for concurrent use.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest entry
	pushed   uint64
	evicted  uint64
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity), capacity: capacity}
}

// Push appends item, evicting the oldest entry if the ring is full.
// It reports whether an entry was evicted.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.size == r.capacity {
		var zero T
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.evicted++
		evicted = true
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.pushed++
	return evicted
}

// Latest returns the most recently pushed entry.
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head-1+r.capacity)%r.capacity], true
}

// Front returns the oldest entry without removing it.
func (r *Ring[T]) Front() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.tail], true
}

// PopFront removes and returns the oldest entry.
func (r *Ring[T]) PopFront() (T, bool) {
	return r.PopFrontIf(func(T) bool { return true })
}

// PopFrontIf removes the oldest entry only when pred reports true for it.
// The check and the removal happen under one lock.
func (r *Ring[T]) PopFrontIf(pred func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 || !pred(r.items[r.tail]) {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item, true
}

// Find returns the first entry, oldest first, for which match reports true.
func (r *Ring[T]) Find(match func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		item := r.items[(r.tail+i)%r.capacity]
		if match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Last returns up to n of the most recent entries in arrival order.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.size == 0 {
		return []T{}
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return r.capacity }

// Counters returns the lifetime number of pushes and evictions.
func (r *Ring[T]) Counters() (pushed, evicted uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pushed, r.evicted
}
