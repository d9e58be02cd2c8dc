package prefetch

import "testing"

func succ(i int) int { return i + 1 }

func TestWindowBoundsDispatch(t *testing.T) {
	w := newWindow(3, 0, succ)

	for i := 0; i < 3; i++ {
		if !w.canDispatch(10) {
			t.Fatalf("dispatch %d refused below the bound", i)
		}
		w.dispatched()
	}
	if w.canDispatch(10) {
		t.Fatal("dispatch allowed with a full window")
	}
	w.advance()
	if !w.canDispatch(10) {
		t.Fatal("dispatch refused after a delivery freed room")
	}
}

func TestWindowStopsAtLength(t *testing.T) {
	w := newWindow(8, 0, succ)
	n := 0
	for w.canDispatch(3) {
		w.dispatched()
		n++
	}
	if n != 3 {
		t.Fatalf("dispatched %d tasks for a 3-item sequence", n)
	}
}

func TestWindowUnknownLengthSinglePending(t *testing.T) {
	w := newWindow(8, 0, succ)
	if !w.canDispatch(-1) {
		t.Fatal("first dispatch refused")
	}
	w.dispatched()
	if w.canDispatch(-1) {
		t.Fatal("unknown length should keep at most one task pending")
	}
	w.advance()
	if !w.canDispatch(-1) {
		t.Fatal("dispatch refused after delivery")
	}
}

func TestWindowPlansAnticipatedIndexes(t *testing.T) {
	w := newWindow(4, 0, func(i int) int { return i + 2 })
	w.dispatched()
	w.dispatched()
	if got := w.expectedIndex(); got != 0 {
		t.Fatalf("expected index 0 at cursor, got %d", got)
	}
	w.advance()
	if got := w.expectedIndex(); got != 2 {
		t.Fatalf("expected index 2 at cursor, got %d", got)
	}
}

func TestWindowReanchorTracksStale(t *testing.T) {
	w := newWindow(4, 0, succ)
	w.dispatched()
	w.dispatched()
	epoch := w.epoch

	w.reanchor(40)
	if w.epoch == epoch {
		t.Fatal("reanchor must bump the epoch")
	}
	if got := w.inFlight(); got != 2 {
		t.Fatalf("abandoned tasks still occupy workers, inFlight = %d", got)
	}
	if got := w.expectedIndex(); got != 40 {
		t.Fatalf("expected index 40 after reanchor, got %d", got)
	}

	w.staleArrived()
	w.staleArrived()
	if got := w.inFlight(); got != 0 {
		t.Fatalf("inFlight = %d after stale tasks drained", got)
	}
}

func TestReorderRingFilesByPosition(t *testing.T) {
	r := newReorderRing[string](4)
	r.insert(completion[string]{task: task{index: 2, pos: 2}, value: "c"})
	r.insert(completion[string]{task: task{index: 0, pos: 0}, value: "a"})

	if _, ok := r.takeAt(1); ok {
		t.Fatal("position 1 should be empty")
	}
	c, ok := r.takeAt(0)
	if !ok || c.value != "a" {
		t.Fatalf("takeAt(0) = %v, %v", c, ok)
	}
	c, ok = r.takeAt(2)
	if !ok || c.value != "c" {
		t.Fatalf("takeAt(2) = %v, %v", c, ok)
	}
	if r.size() != 0 {
		t.Fatalf("size = %d after taking everything", r.size())
	}
}

func TestReorderRingDrain(t *testing.T) {
	r := newReorderRing[int](4)
	r.insert(completion[int]{task: task{pos: 1}, value: 10})
	r.insert(completion[int]{task: task{pos: 3}, value: 30})

	got := r.drain()
	if len(got) != 2 {
		t.Fatalf("drained %d completions, want 2", len(got))
	}
	if r.size() != 0 {
		t.Fatalf("size = %d after drain", r.size())
	}
}
