// Package slab manages a fixed registry of reusable transfer buffers.
//
// A Registry owns a small set of equally sized memory slots carved out of a
// single arena, either heap-backed or shared-memory-backed so that isolated
// worker processes can map the same region. Slots are leased to producers,
// exposed to consumers through reference-counted views, and become eligible
// for reuse exactly when their reference count returns to zero, at which
// point an optional release hook fires.
//
// The reference count is the sole source of truth for whether a slot may be
// read or written. Misuse (acquiring a free slot, releasing a view twice,
// touching a released view) is a programming-contract violation and panics
// with a *LifecycleError rather than risking a torn read on recycled memory.
package slab

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Slot states. Free -> Leased (refcount > 0) -> Free, with Retired terminal
// once the registry shuts down.
const (
	stateFree int32 = iota
	stateLeased
	stateRetired
)

// LifecycleError reports a slot lifecycle contract violation.
// It is always delivered by panicking: such violations indicate a bug in the
// caller and are never silently tolerated.
type LifecycleError struct {
	SlotID int
	Op     string
	Refs   int32
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("slab: %s on slot %d (refcount %d)", e.Op, e.SlotID, e.Refs)
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry owns a fixed pool of transfer slots backed by a single arena.
// Lease, Acquire and Release may be called concurrently from any goroutine.
type Registry struct {
	arena    arena
	slotSize int
	slots    []*Slot
	free     chan int
	closed   atomic.Bool
	retired  atomic.Int64
	log      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the diagnostic logger used for hook failures.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a registry of count slots of size bytes each, backed by
// process-private memory.
func New(count, size int, opts ...Option) (*Registry, error) {
	if count < 1 || size < 1 {
		return nil, fmt.Errorf("slab: need at least one slot of at least one byte, got %dx%d", count, size)
	}
	return newRegistry(&heapArena{buf: make([]byte, count*size)}, count, size, opts), nil
}

// NewShared creates a registry whose arena lives in a shared memory mapping.
// The arena file descriptor (see ArenaFD) can be inherited by worker
// processes, which map the same slots with MapSlots. Only supported on Linux.
func NewShared(count, size int, opts ...Option) (*Registry, error) {
	if count < 1 || size < 1 {
		return nil, fmt.Errorf("slab: need at least one slot of at least one byte, got %dx%d", count, size)
	}
	a, err := newShmArena(count * size)
	if err != nil {
		return nil, err
	}
	return newRegistry(a, count, size, opts), nil
}

func newRegistry(a arena, count, size int, opts []Option) *Registry {
	r := &Registry{
		arena:    a,
		slotSize: size,
		slots:    make([]*Slot, count),
		free:     make(chan int, count),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	buf := a.bytes()
	for i := range r.slots {
		r.slots[i] = &Slot{
			id:  i,
			reg: r,
			mem: buf[i*size : (i+1)*size : (i+1)*size],
		}
		r.free <- i
	}
	return r
}

// SlotCount returns the number of slots in the registry.
func (r *Registry) SlotCount() int { return len(r.slots) }

// SlotSize returns the size of each slot in bytes.
func (r *Registry) SlotSize() int { return r.slotSize }

// Slot returns the slot with the given id.
func (r *Registry) Slot(id int) *Slot { return r.slots[id] }

// ArenaFD returns the file descriptor backing a shared arena, or false for a
// heap-backed registry. The descriptor remains owned by the registry.
func (r *Registry) ArenaFD() (int, bool) { return r.arena.fd() }

// Lease takes a free slot out of the pool, transferring ownership of a fresh
// view (refcount one) to the caller. It never blocks: the second return value
// is false when every slot is currently leased.
func (r *Registry) Lease() (*View, bool) {
	if r.closed.Load() {
		panic(&LifecycleError{SlotID: -1, Op: "lease on closed registry"})
	}
	select {
	case id := <-r.free:
		s := r.slots[id]
		if !s.state.CompareAndSwap(stateFree, stateLeased) {
			panic(&LifecycleError{SlotID: id, Op: "lease of non-free slot", Refs: s.refs.Load()})
		}
		if !s.refs.CompareAndSwap(0, 1) {
			panic(&LifecycleError{SlotID: id, Op: "lease with live references", Refs: s.refs.Load()})
		}
		return &View{slot: s}, true
	default:
		return nil, false
	}
}

// Close marks the registry as shut down. Free slots retire immediately;
// leased slots retire when their last view is released. The arena is
// reclaimed once every slot has retired. Close is idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.retireFree()
	return nil
}

// retireFree empties the free pool, retiring every slot found. Safe to call
// from any goroutine once the registry is closed: a slot sitting in the free
// channel has no owner, so the first taker retires it.
func (r *Registry) retireFree() {
	for {
		select {
		case id := <-r.free:
			r.slots[id].state.Store(stateRetired)
			r.slotRetired()
		default:
			return
		}
	}
}

// slotRetired accounts for one retired slot, releasing the arena once the
// last one goes.
func (r *Registry) slotRetired() {
	if r.retired.Add(1) == int64(len(r.slots)) {
		if err := r.arena.close(); err != nil {
			r.log.Error("slab: arena close failed", "error", err)
		}
	}
}

// ============================================================================
// SLOT
// ============================================================================

// Slot is a reusable transfer buffer owned by its Registry. Borrowers never
// hold a Slot directly; they hold Views whose lifetime bounds their access
// to the slot memory.
type Slot struct {
	id    int
	reg   *Registry
	mem   []byte
	refs  atomic.Int32
	state atomic.Int32

	hookMu sync.Mutex
	hook   func(*Slot)
}

// ID returns the slot's index within its registry.
func (s *Slot) ID() int { return s.id }

// RefCount returns the current number of live views.
func (s *Slot) RefCount() int32 { return s.refs.Load() }

// SetReleaseHook registers fn to run each time the slot's reference count
// returns to zero. The hook fires exactly once per Free -> Leased -> Free
// cycle, never while the count is above zero. A panic inside the hook is
// recovered and logged; it does not propagate into, or displace an error
// already propagating through, the releasing goroutine.
func (s *Slot) SetReleaseHook(fn func(*Slot)) {
	s.hookMu.Lock()
	s.hook = fn
	s.hookMu.Unlock()
}

// Acquire opens an additional view on an already-leased slot. Acquisition is
// re-entrant: any number of concurrent views may exist, and the reference
// count alone decides when the slot is recycled. Acquiring a slot with no
// live references panics with a *LifecycleError.
func (s *Slot) Acquire() *View {
	for {
		n := s.refs.Load()
		if n <= 0 {
			panic(&LifecycleError{SlotID: s.id, Op: "acquire of unleased slot", Refs: n})
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return &View{slot: s}
		}
	}
}

// release drops one reference. Exactly one caller observes the 1 -> 0 edge;
// it fires the hook and returns the slot to the pool (or retires it when the
// registry is closed).
func (s *Slot) release() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(&LifecycleError{SlotID: s.id, Op: "release below zero", Refs: n})
	}

	s.fireHook()

	if s.reg.closed.Load() {
		s.state.Store(stateRetired)
		s.reg.slotRetired()
		return
	}
	if !s.state.CompareAndSwap(stateLeased, stateFree) {
		panic(&LifecycleError{SlotID: s.id, Op: "free of non-leased slot", Refs: 0})
	}
	// Buffered to SlotCount, so this never blocks.
	s.reg.free <- s.id

	// Close may have set closed and drained the free pool between the load
	// above and the send. Re-checking here guarantees a slot freed during
	// shutdown still retires instead of lingering in the pool forever.
	if s.reg.closed.Load() {
		s.reg.retireFree()
	}
}

func (s *Slot) fireHook() {
	s.hookMu.Lock()
	hook := s.hook
	s.hookMu.Unlock()
	if hook == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.reg.log.Error("slab: release hook panicked", "slot", s.id, "panic", rec)
		}
	}()
	hook(s)
}

// ============================================================================
// VIEW
// ============================================================================

// View is a live borrow of a slot's memory. Each view must be released
// exactly once; releasing on every exit path (usually via defer) keeps the
// refcount balanced even when the borrowing code fails partway through.
type View struct {
	slot     *Slot
	released atomic.Bool
}

// Slot returns the underlying slot, e.g. to open further views or install a
// release hook.
func (v *View) Slot() *Slot { return v.slot }

// Bytes returns the slot memory guarded by this view.
// Accessing a released view panics with a *LifecycleError.
func (v *View) Bytes() []byte {
	if v.released.Load() {
		panic(&LifecycleError{SlotID: v.slot.id, Op: "access through released view", Refs: v.slot.refs.Load()})
	}
	return v.slot.mem
}

// Release ends the borrow. Calling Release twice on the same view would
// unbalance the slot's refcount and panics with a *LifecycleError.
func (v *View) Release() {
	if !v.released.CompareAndSwap(false, true) {
		panic(&LifecycleError{SlotID: v.slot.id, Op: "double release of view", Refs: v.slot.refs.Load()})
	}
	v.slot.release()
}
