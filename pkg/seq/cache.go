package seq

import (
	"container/list"
	"errors"
	"sync"
)

// ErrImmutable is returned by Set on a view whose parent does not support writes.
var ErrImmutable = errors.New("seq: parent sequence is not mutable")

// Cache wraps parent with a fixed-capacity least-recently-used cache.
// A hit returns the stored value without touching parent; a miss computes,
// stores, and evicts the oldest entry once capacity is reached. Errors from
// parent are never cached. Capacities below one are clamped to one.
//
// The cache is safe for concurrent use. Set writes through to the parent
// when it is mutable and refreshes the cached entry, otherwise it returns
// ErrImmutable.
func Cache[T any](parent Sequence[T], capacity int) MutableSequence[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &cachedSequence[T]{
		parent:   parent,
		capacity: capacity,
		entries:  make(map[int]*list.Element, capacity),
		order:    list.New(),
	}
}

type cacheEntry[T any] struct {
	key   int
	value T
}

type cachedSequence[T any] struct {
	mu       sync.Mutex
	parent   Sequence[T]
	capacity int
	entries  map[int]*list.Element
	order    *list.List // front = most recently used
}

func (s *cachedSequence[T]) Len() int { return s.parent.Len() }

func (s *cachedSequence[T]) Get(i int) (T, error) {
	s.mu.Lock()
	if el, ok := s.entries[i]; ok {
		s.order.MoveToFront(el)
		v := el.Value.(*cacheEntry[T]).value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	// Compute outside the lock so slow parents do not serialize readers.
	v, err := s.parent.Get(i)
	if err != nil {
		var zero T
		return zero, err
	}

	s.mu.Lock()
	s.store(i, v)
	s.mu.Unlock()
	return v, nil
}

func (s *cachedSequence[T]) Set(i int, v T) error {
	mut, ok := s.parent.(MutableSequence[T])
	if !ok {
		return ErrImmutable
	}
	if err := mut.Set(i, v); err != nil {
		return err
	}
	s.mu.Lock()
	if el, ok := s.entries[i]; ok {
		el.Value.(*cacheEntry[T]).value = v
		s.order.MoveToFront(el)
	}
	s.mu.Unlock()
	return nil
}

// store inserts or refreshes an entry; the caller holds mu.
func (s *cachedSequence[T]) store(i int, v T) {
	if el, ok := s.entries[i]; ok {
		el.Value.(*cacheEntry[T]).value = v
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry[T]).key)
	}
	s.entries[i] = s.order.PushFront(&cacheEntry[T]{key: i, value: v})
}
