package seq

// ============================================================================
// MAPPING VIEWS
// ============================================================================

// SMap returns a view that applies fn to each element of parent on demand.
// Nothing is computed until an element is read; repeated reads recompute. An
// error from fn fails the read it was computed for.
func SMap[In, Out any](fn func(In) (Out, error), parent Sequence[In]) Sequence[Out] {
	return &mappedSequence[In, Out]{parent: parent, fn: fn}
}

type mappedSequence[In, Out any] struct {
	parent Sequence[In]
	fn     func(In) (Out, error)
}

func (s *mappedSequence[In, Out]) Len() int { return s.parent.Len() }

func (s *mappedSequence[In, Out]) Get(i int) (Out, error) {
	v, err := s.parent.Get(i)
	if err != nil {
		var zero Out
		return zero, err
	}
	return s.fn(v)
}
