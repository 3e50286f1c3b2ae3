// Package handle maps opaque integer handles to live objects. A handle
// carries the generation of its slot, so a handle kept after Remove is
// detected as stale instead of aliasing whatever reuses the slot.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNull  = errors.New("null handle")
	ErrStale = errors.New("stale handle")
)

// Handle packs a slot index in the low 32 bits and the slot generation in
// the high 32 bits. Generations start at 1, so no live handle is 0.
type Handle uint64

// Null is the zero handle.
const Null Handle = 0

func makeHandle(index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(index)))
}

func (h Handle) index() int         { return int(uint32(h)) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	if h == Null {
		return "null"
	}
	return fmt.Sprintf("%d#%d", h.index(), h.generation())
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Table is a slot table safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []int
	n     int
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.val = v
	t.n++
	return makeHandle(idx, s.gen)
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if h == Null {
		return nil, ErrNull
	}
	idx := h.index()
	if idx >= len(t.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStale, h)
	}
	s := &t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return nil, fmt.Errorf("%w: %s", ErrStale, h)
	}
	return s, nil
}

// Get returns the value for h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Remove deletes h and returns its value.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.live = false
	t.free = append(t.free, h.index())
	t.n--
	return v, nil
}

// Len is the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.n
}

// Each calls fn for every live entry. fn must not modify the table.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		if !fn(makeHandle(i, s.gen), s.val) {
			return
		}
	}
}

// Handles returns a snapshot of the live handles.
func (t *Table[T]) Handles() []Handle {
	var out []Handle
	t.Each(func(h Handle, _ T) bool {
		out = append(out, h)
		return true
	})
	return out
}
