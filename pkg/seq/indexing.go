package seq

import "sort"

// ============================================================================
// REINDEXING VIEWS
// ============================================================================

// Gather returns a view selecting parent elements by position: element i of
// the view is parent element indexes[i]. The indexes slice is not copied.
// Invalid entries in indexes surface as an IndexError when read.
func Gather[T any](parent Sequence[T], indexes []int) Sequence[T] {
	return &gatheredSequence[T]{parent: parent, indexes: indexes}
}

type gatheredSequence[T any] struct {
	parent  Sequence[T]
	indexes []int
}

func (s *gatheredSequence[T]) Len() int { return len(s.indexes) }

func (s *gatheredSequence[T]) Get(i int) (T, error) {
	if err := checkIndex(i, len(s.indexes)); err != nil {
		var zero T
		return zero, err
	}
	return s.parent.Get(s.indexes[i])
}

// Concat returns a view chaining the given sequences end to end.
// Lengths are sampled once at construction.
func Concat[T any](parents ...Sequence[T]) Sequence[T] {
	offsets := make([]int, len(parents)+1)
	for i, p := range parents {
		offsets[i+1] = offsets[i] + p.Len()
	}
	return &concatSequence[T]{parents: parents, offsets: offsets}
}

type concatSequence[T any] struct {
	parents []Sequence[T]
	// offsets[k] is the view index of the first element of parents[k];
	// offsets[len(parents)] is the total length.
	offsets []int
}

func (s *concatSequence[T]) Len() int { return s.offsets[len(s.parents)] }

func (s *concatSequence[T]) Get(i int) (T, error) {
	if err := checkIndex(i, s.Len()); err != nil {
		var zero T
		return zero, err
	}
	// First parent whose range ends past i.
	k := sort.Search(len(s.parents), func(k int) bool { return s.offsets[k+1] > i })
	return s.parents[k].Get(i - s.offsets[k])
}
