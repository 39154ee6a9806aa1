package actor

import (
	"fmt"
	"sync"
)

// Handle is a generational index into an Arena. The zero Handle never
// resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	if h.IsZero() {
		return "handle(none)"
	}
	return fmt.Sprintf("handle(%d:%d)", h.index, h.gen)
}

type slot[T any] struct {
	gen      uint32
	occupied bool
	value    T
}

// Arena is a table of values addressed by generational handles. Holding a
// Handle does not keep the value registered; once removed, every handle that
// pointed at it resolves to absent even if the slot is reused.
// All methods are safe for concurrent use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
}

// NewArena creates an empty Arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// Skip the zero generation on wraparound.
		s.gen = 1
	}
	s.occupied = true
	s.value = v
	return Handle{index: idx, gen: s.gen}
}

// Get resolves h.
//
// Postcondition: ok is false when h is zero, was removed, or belongs to a
// previous occupant of the slot.
func (a *Arena[T]) Get(h Handle) (v T, ok bool) {
	if h.IsZero() {
		return v, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(h.index) >= len(a.slots) {
		return v, false
	}
	s := a.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return v, false
	}
	return s.value, true
}

// Remove releases the value behind h.
//
// Postcondition: Returns false if h did not resolve.
func (a *Arena[T]) Remove(h Handle) bool {
	if h.IsZero() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return false
	}
	var zero T
	s.occupied = false
	s.value = zero
	a.free = append(a.free, h.index)
	return true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - len(a.free)
}
