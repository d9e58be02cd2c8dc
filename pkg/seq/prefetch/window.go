package prefetch

// window tracks the lookahead state of a pipeline: which chain positions are
// in flight, which index each was planned for, and which index to dispatch
// next. Positions grow monotonically even across re-anchoring, so a stale
// completion can never be mistaken for a live one.
type window struct {
	bound      int
	anticipate func(int) int

	// head and tail are chain positions: tail is the read cursor, head the
	// next position to dispatch. head-tail tasks of the current epoch are
	// outstanding.
	head, tail int
	// planned records the index dispatched at each live chain position.
	planned []int
	// nextIdx is the index the next dispatch will evaluate.
	nextIdx int
	// epoch is bumped on every re-anchor so in-flight results of abandoned
	// plans identify themselves on arrival.
	epoch uint64
	// stale counts abandoned in-flight tasks from past epochs still owed a
	// completion. They occupy worker capacity, so the dispatch bound counts
	// them too.
	stale int

	stopped bool
}

func newWindow(bound, start int, anticipate func(int) int) *window {
	return &window{
		bound:      bound,
		anticipate: anticipate,
		planned:    make([]int, bound),
		nextIdx:    start,
	}
}

// inFlight is the number of dispatched tasks not yet delivered, counting
// abandoned ones still occupying workers.
func (w *window) inFlight() int { return w.head - w.tail + w.stale }

// canDispatch reports whether another task fits the window. A negative
// length marks an unknown-length sequence, which degrades to at most one
// pending item since there is no index bound to plan against.
func (w *window) canDispatch(length int) bool {
	if w.stopped {
		return false
	}
	limit := w.bound
	if length < 0 {
		limit = 1
	} else if w.nextIdx >= length {
		return false
	}
	return w.inFlight() < limit
}

// next is the task a dispatch would send now. It does not commit anything,
// so a failed submit costs nothing.
func (w *window) next() task {
	return task{index: w.nextIdx, pos: w.head, epoch: w.epoch, slot: -1}
}

// dispatched commits the task returned by next and plans the following
// index.
func (w *window) dispatched() {
	w.planned[w.head%w.bound] = w.nextIdx
	w.head++
	w.nextIdx = w.anticipate(w.planned[(w.head-1)%w.bound])
}

// expectedIndex is the index planned for the read cursor, or the next index
// to dispatch when nothing is outstanding.
func (w *window) expectedIndex() int {
	if w.tail < w.head {
		return w.planned[w.tail%w.bound]
	}
	return w.nextIdx
}

// advance moves the read cursor past a delivered position.
func (w *window) advance() { w.tail++ }

// reanchor abandons the current plan and restarts dispatch at index start.
// Outstanding tasks become stale: their completions are discarded on
// arrival, and until then they keep counting against the dispatch bound.
func (w *window) reanchor(start int) {
	w.stale += w.head - w.tail
	w.head = w.tail
	w.epoch++
	w.nextIdx = start
}

// staleArrived records that one abandoned task finally completed.
func (w *window) staleArrived() {
	if w.stale > 0 {
		w.stale--
	}
}

// stop ends dispatch permanently.
func (w *window) stop() { w.stopped = true }
