// Package seq provides lazily evaluated, index-addressable sequence views.
//
// A Sequence is a collection of known length whose elements are computed on
// demand when read by integer index. Views returned by SMap, Gather and
// Concat wrap their parent without copying or precomputing anything; all
// work is deferred to Get. The prefetch subpackage evaluates a Sequence
// ahead of the consumer using parallel workers.
package seq

import "fmt"

// Sequence is the minimal capability consumed by the rest of the library:
// a fixed-length collection readable by integer index.
// Get may fail if computing the element fails.
type Sequence[T any] interface {
	// Len returns the number of elements.
	Len() int
	// Get computes and returns the element at index i.
	Get(i int) (T, error)
}

// MutableSequence is a Sequence whose elements can also be written.
type MutableSequence[T any] interface {
	Sequence[T]
	// Set replaces the element at index i.
	Set(i int, v T) error
}

// IndexError reports an out-of-range access on a sequence.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("seq: index %d out of range for sequence of length %d", e.Index, e.Len)
}

// checkIndex validates i against a sequence of length n.
func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return &IndexError{Index: i, Len: n}
	}
	return nil
}

// ============================================================================
// BASIC SEQUENCES
// ============================================================================

type sliceSequence[T any] struct {
	items []T
}

// FromSlice wraps a slice as a MutableSequence.
// The slice is not copied; writes through Set are visible to the caller.
func FromSlice[T any](items []T) MutableSequence[T] {
	return &sliceSequence[T]{items: items}
}

func (s *sliceSequence[T]) Len() int { return len(s.items) }

func (s *sliceSequence[T]) Get(i int) (T, error) {
	if err := checkIndex(i, len(s.items)); err != nil {
		var zero T
		return zero, err
	}
	return s.items[i], nil
}

func (s *sliceSequence[T]) Set(i int, v T) error {
	if err := checkIndex(i, len(s.items)); err != nil {
		return err
	}
	s.items[i] = v
	return nil
}

type arangeSequence struct {
	start, step, length int
}

// Arange returns the integer sequence start, start+step, ... up to but
// excluding stop. The step must not be zero.
func Arange(start, stop, step int) Sequence[int] {
	if step == 0 {
		panic("seq: Arange step must not be zero")
	}
	length := 0
	if step > 0 && stop > start {
		length = (stop - start + step - 1) / step
	} else if step < 0 && stop < start {
		length = (start - stop - step - 1) / -step
	}
	return &arangeSequence{start: start, step: step, length: length}
}

func (s *arangeSequence) Len() int { return s.length }

func (s *arangeSequence) Get(i int) (int, error) {
	if err := checkIndex(i, s.length); err != nil {
		return 0, err
	}
	return s.start + i*s.step, nil
}

// ============================================================================
// EVALUATION HELPERS
// ============================================================================

// Collect evaluates every element of s in index order into a slice.
// It stops and returns the first error encountered.
func Collect[T any](s Sequence[T]) ([]T, error) {
	out := make([]T, s.Len())
	for i := range out {
		v, err := s.Get(i)
		if err != nil {
			return out[:i], err
		}
		out[i] = v
	}
	return out, nil
}
