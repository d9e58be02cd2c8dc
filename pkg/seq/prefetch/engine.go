package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nlgranger/SeqTools/pkg/seq/slab"
)

// ===== Coordinator =====

// engine is the single-threaded coordinator shared by every pipeline
// flavor. All of its state is mutated exclusively from the consumer's call
// path, so it needs no locking of its own; workers communicate only through
// the pool's completion channel and the slot registry's release hooks.
type engine[T any] struct {
	pool workerPool[T]
	win  *window
	ring *reorderRing[T]
	cfg  config
	log  *slog.Logger

	// length of the underlying sequence, or -1 when unknown.
	length int

	// reg and leases track transfer slots for slot-backed pipelines. A
	// lease is held by the engine from dispatch until either the consumer
	// takes ownership of the delivered view or the task is discarded.
	reg    *slab.Registry
	leases map[int]*slab.View
	// slotFreed receives a wakeup when a consumer-released slot returns to
	// the pool, unblocking dispatch stalled on slot exhaustion.
	slotFreed chan struct{}

	// fatal is the first pipeline-stopping error, delivered once the
	// completions below it have been read.
	fatal error
	// terminal, once set, is returned by every later read.
	terminal error

	closed bool
}

func newEngine[T any](pool workerPool[T], reg *slab.Registry, length int, cfg config) *engine[T] {
	e := &engine[T]{
		pool:   pool,
		win:    newWindow(cfg.bound(), 0, cfg.anticipate),
		ring:   newReorderRing[T](cfg.bound()),
		cfg:    cfg,
		log:    cfg.logger,
		length: length,
		reg:    reg,
	}
	if reg != nil {
		e.leases = make(map[int]*slab.View, reg.SlotCount())
		e.slotFreed = make(chan struct{}, 1)
		for i := 0; i < reg.SlotCount(); i++ {
			reg.Slot(i).SetReleaseHook(func(*slab.Slot) {
				select {
				case e.slotFreed <- struct{}{}:
				default:
				}
			})
		}
	}
	return e
}

// fill dispatches tasks until the window, the worker inboxes, or the slot
// pool says stop.
func (e *engine[T]) fill() {
	for e.win.canDispatch(e.length) {
		t := e.win.next()
		var lease *slab.View
		if e.reg != nil {
			v, ok := e.reg.Lease()
			if !ok {
				return
			}
			lease = v
			t.slot = v.Slot().ID()
		}
		if !e.pool.submit(t) {
			if lease != nil {
				lease.Release()
			}
			return
		}
		if lease != nil {
			e.leases[t.slot] = lease
		}
		e.win.dispatched()
	}
}

// next blocks until the completion at the read cursor is available and
// delivers it. The returned completion's slot lease, if any, stays with the
// engine until the caller claims it through takeLease.
func (e *engine[T]) next(ctx context.Context) (completion[T], error) {
	var zero completion[T]
	if e.terminal != nil {
		return zero, e.terminal
	}
	for {
		e.fill()
		if c, ok := e.ring.takeAt(e.win.tail); ok {
			e.win.advance()
			e.fill()
			if c.err != nil && e.cfg.abortOnFailure {
				e.win.stop()
				e.terminal = fmt.Errorf("%w: item %d", ErrAborted, c.index)
			}
			return c, nil
		}
		if e.fatal != nil {
			// Everything the workers managed to finish has been read by
			// now; the item at the cursor will never arrive.
			e.win.stop()
			e.terminal = e.fatal
			return zero, e.fatal
		}
		if err := e.wait(ctx); err != nil {
			return zero, err
		}
	}
}

// wait blocks until a completion arrives or a transfer slot frees up, then
// opportunistically drains whatever else is already available.
func (e *engine[T]) wait(ctx context.Context) error {
	select {
	case c := <-e.pool.completions():
		e.admit(c)
	case <-e.slotFreed: // nil channel for value pipelines, never ready
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case c := <-e.pool.completions():
			e.admit(c)
		default:
			return nil
		}
	}
}

// admit files an arriving completion, discarding stale ones and recording
// fatal failures.
func (e *engine[T]) admit(c completion[T]) {
	if fatalError(c.err) {
		e.log.Error("prefetch: pipeline failure", "error", c.err)
		e.win.stop()
		if e.fatal == nil {
			e.fatal = c.err
		}
		e.releaseSlot(c.slot)
		return
	}
	if c.epoch != e.win.epoch {
		e.win.staleArrived()
		e.releaseSlot(c.slot)
		return
	}
	if c.err != nil {
		// The slot content is meaningless for a failed item; return it to
		// the pool and deliver the bare error.
		e.releaseSlot(c.slot)
		c.slot = -1
	}
	e.ring.insert(c)
}

// reanchor abandons the current plan and restarts dispatch at index start.
func (e *engine[T]) reanchor(start int) {
	for _, c := range e.ring.drain() {
		e.releaseSlot(c.slot)
	}
	e.win.reanchor(start)
}

// takeLease transfers ownership of a delivered slot's view to the caller.
func (e *engine[T]) takeLease(slotID int) *slab.View {
	v := e.leases[slotID]
	delete(e.leases, slotID)
	return v
}

// releaseSlot returns an engine-held lease to the pool, if any.
func (e *engine[T]) releaseSlot(slotID int) {
	if slotID < 0 {
		return
	}
	if v, ok := e.leases[slotID]; ok {
		delete(e.leases, slotID)
		v.Release()
	}
}

// exhausted reports whether the plan has walked off the end of a
// known-length sequence. Dispatched indices are always in range, so the
// expected index only reaches the length once nothing is in flight and the
// next dispatch would be out of bounds.
func (e *engine[T]) exhausted() bool {
	return e.length >= 0 && e.win.expectedIndex() >= e.length
}

// outstanding is the number of dispatched tasks whose completion has not
// arrived yet.
func (e *engine[T]) outstanding() int {
	return e.win.inFlight() - e.ring.size()
}

// close stops dispatch, drains in-flight work so slot leases come home, and
// tears the pool down. Waiting for stragglers is bounded by the configured
// worker timeout.
func (e *engine[T]) close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.win.stop()
	if e.terminal == nil {
		e.terminal = ErrClosed
	}

	// After a fatal error some outstanding tasks will never complete, so
	// only a healthy pipeline is worth draining.
	deadline := time.After(e.cfg.workerTimeout)
drain:
	for e.fatal == nil && e.outstanding() > 0 {
		select {
		case c := <-e.pool.completions():
			e.admit(c)
		case <-deadline:
			e.log.Warn("prefetch: close timed out waiting for workers",
				"outstanding", e.outstanding())
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.workerTimeout)
	defer cancel()
	err := e.pool.close(ctx)

	for _, c := range e.ring.drain() {
		e.releaseSlot(c.slot)
	}
	if e.reg != nil {
		// Workers are gone; any lease still out belongs to a task that
		// never completed.
		for id, v := range e.leases {
			delete(e.leases, id)
			v.Release()
		}
		if cerr := e.reg.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
