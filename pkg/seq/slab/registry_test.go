package slab

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeaseExhaustion(t *testing.T) {
	r, err := New(2, 8)
	require.NoError(t, err)
	defer r.Close()

	v1, ok := r.Lease()
	require.True(t, ok)
	v2, ok := r.Lease()
	require.True(t, ok)
	_, ok = r.Lease()
	require.False(t, ok, "third lease must fail with two slots")

	v1.Release()
	v3, ok := r.Lease()
	require.True(t, ok, "released slot must be leasable again")
	v3.Release()
	v2.Release()
}

func TestSlotMemoryIsDistinct(t *testing.T) {
	r, err := New(3, 4)
	require.NoError(t, err)
	defer r.Close()

	views := make([]*View, 3)
	for i := range views {
		v, ok := r.Lease()
		require.True(t, ok)
		views[i] = v
		copy(v.Bytes(), []byte{byte(i), byte(i), byte(i), byte(i)})
	}
	for i, v := range views {
		require.Equal(t, []byte{byte(i), byte(i), byte(i), byte(i)}, v.Bytes())
		v.Release()
	}
}

func TestReleaseHookFiresOncePerCycle(t *testing.T) {
	r, err := New(1, 8)
	require.NoError(t, err)
	defer r.Close()

	var fired atomic.Int32
	r.Slot(0).SetReleaseHook(func(s *Slot) {
		require.EqualValues(t, 0, s.RefCount(), "hook must only fire at refcount zero")
		fired.Add(1)
	})

	for cycle := 0; cycle < 5; cycle++ {
		lease, ok := r.Lease()
		require.True(t, ok)

		// Re-entrant views: the hook must wait for all of them.
		extra := lease.Slot().Acquire()
		lease.Release()
		require.EqualValues(t, cycle, fired.Load(), "hook fired while a view was live")
		extra.Release()
		require.EqualValues(t, cycle+1, fired.Load())
	}
}

func TestReleaseHookConcurrentViews(t *testing.T) {
	const cycles = 200
	const viewers = 8

	r, err := New(1, 8)
	require.NoError(t, err)
	defer r.Close()

	var fired atomic.Int32
	var liveViolation atomic.Bool
	r.Slot(0).SetReleaseHook(func(s *Slot) {
		if s.RefCount() != 0 {
			liveViolation.Store(true)
		}
		fired.Add(1)
	})

	for cycle := 0; cycle < cycles; cycle++ {
		lease, ok := r.Lease()
		require.True(t, ok)

		var wg sync.WaitGroup
		for w := 0; w < viewers; w++ {
			view := lease.Slot().Acquire()
			wg.Add(1)
			go func(v *View) {
				defer wg.Done()
				_ = v.Bytes()[0]
				v.Release()
			}(view)
		}
		lease.Release()
		wg.Wait()
		require.EqualValues(t, cycle+1, fired.Load(), "exactly one hook invocation per cycle")
	}
	require.False(t, liveViolation.Load(), "hook observed a nonzero refcount")
}

func TestHookPanicIsContained(t *testing.T) {
	r, err := New(1, 8)
	require.NoError(t, err)
	defer r.Close()

	r.Slot(0).SetReleaseHook(func(*Slot) { panic("hook boom") })

	lease, ok := r.Lease()
	require.True(t, ok)
	require.NotPanics(t, lease.Release, "hook panic must not escape Release")

	// The slot must still have been recycled.
	again, ok := r.Lease()
	require.True(t, ok)
	again.Slot().SetReleaseHook(nil)
	again.Release()
}

func TestHookPanicPreservesInFlightPanic(t *testing.T) {
	r, err := New(1, 8)
	require.NoError(t, err)
	defer r.Close()

	r.Slot(0).SetReleaseHook(func(*Slot) { panic("secondary hook failure") })
	lease, ok := r.Lease()
	require.True(t, ok)

	// An error already propagating through the consumer must come out of the
	// deferred release untouched, not replaced by the hook's failure.
	defer func() {
		rec := recover()
		require.Equal(t, "consumer failure", rec)
	}()
	defer lease.Release()
	panic("consumer failure")
}

func TestLifecycleViolationsPanic(t *testing.T) {
	r, err := New(1, 8)
	require.NoError(t, err)
	defer r.Close()

	lease, ok := r.Lease()
	require.True(t, ok)
	lease.Release()

	require.PanicsWithError(t,
		(&LifecycleError{SlotID: 0, Op: "double release of view", Refs: 0}).Error(),
		func() { lease.Release() })

	require.Panics(t, func() { lease.Bytes() }, "access after release must panic")
	require.Panics(t, func() { r.Slot(0).Acquire() }, "acquire of unleased slot must panic")
}

func TestCloseRetiresSlots(t *testing.T) {
	r, err := New(2, 8)
	require.NoError(t, err)

	lease, ok := r.Lease()
	require.True(t, ok)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "Close must be idempotent")

	// The outstanding lease stays usable until released, then retires.
	copy(lease.Bytes(), []byte{1, 2})
	lease.Release()

	require.Panics(t, func() { r.Lease() }, "lease after Close must panic")
}

func TestCloseConcurrentWithReleaseRetiresEverySlot(t *testing.T) {
	// A release racing Close can return its slot to the free pool right
	// after Close drained it; every slot must still end up retired so the
	// arena is reclaimed.
	for iter := 0; iter < 200; iter++ {
		r, err := New(4, 8)
		require.NoError(t, err)

		views := make([]*View, 4)
		for i := range views {
			v, ok := r.Lease()
			require.True(t, ok)
			views[i] = v
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, v := range views {
			v := v
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				v.Release()
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = r.Close()
		}()
		close(start)
		wg.Wait()

		require.EqualValues(t, 4, r.retired.Load(),
			"every slot must retire after Close, iteration %d", iter)
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	_, err := New(0, 8)
	require.Error(t, err)
	_, err = New(4, 0)
	require.Error(t, err)
}
