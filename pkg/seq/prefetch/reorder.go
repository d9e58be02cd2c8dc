package prefetch

// reorderRing files completions that arrived ahead of the read cursor back
// into dispatch order. Capacity equals the lookahead bound, so a chain
// position maps to a fixed cell and no two live tasks ever collide.
type reorderRing[T any] struct {
	cells   []completion[T]
	present []bool
	count   int
}

func newReorderRing[T any](capacity int) *reorderRing[T] {
	return &reorderRing[T]{
		cells:   make([]completion[T], capacity),
		present: make([]bool, capacity),
	}
}

// insert files c under its chain position.
func (r *reorderRing[T]) insert(c completion[T]) {
	cell := c.pos % len(r.cells)
	if r.present[cell] {
		panic("prefetch: reorder buffer cell collision")
	}
	r.cells[cell] = c
	r.present[cell] = true
	r.count++
}

// takeAt removes and returns the completion filed under chain position pos.
func (r *reorderRing[T]) takeAt(pos int) (completion[T], bool) {
	cell := pos % len(r.cells)
	if !r.present[cell] {
		var zero completion[T]
		return zero, false
	}
	c := r.cells[cell]
	r.cells[cell] = completion[T]{}
	r.present[cell] = false
	r.count--
	return c, true
}

// size is the number of completions currently filed.
func (r *reorderRing[T]) size() int { return r.count }

// drain empties the ring, returning whatever was filed so the caller can
// release attached transfer slots.
func (r *reorderRing[T]) drain() []completion[T] {
	out := make([]completion[T], 0, r.count)
	for i, ok := range r.present {
		if !ok {
			continue
		}
		out = append(out, r.cells[i])
		r.cells[i] = completion[T]{}
		r.present[i] = false
	}
	r.count = 0
	return out
}
