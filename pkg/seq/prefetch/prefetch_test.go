package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nlgranger/SeqTools/pkg/seq"
)

var _ seq.Sequence[int] = (*Prefetched[int])(nil)

func collectAll[T any](t *testing.T, s seq.Sequence[T]) []T {
	t.Helper()
	out := make([]T, s.Len())
	for i := range out {
		v, err := s.Get(i)
		require.NoError(t, err, "item %d", i)
		out[i] = v
	}
	return out
}

func TestPrefetchMatchesDirectEvaluation(t *testing.T) {
	src := seq.SMap(func(i int) (string, error) {
		return fmt.Sprintf("item-%03d", i*i), nil
	}, seq.Arange(0, 100, 1))
	want := collectAll(t, src)

	cases := []struct {
		name string
		opts []Option
	}{
		{"single worker", []Option{WithWorkers(1), WithMaxBuffered(1)}},
		{"deep buffer", []Option{WithWorkers(2), WithMaxBuffered(8)}},
		{"many workers", []Option{WithWorkers(8), WithMaxBuffered(2)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Prefetch(src, tc.opts...)
			require.NoError(t, err)
			defer p.Close()

			got := collectAll[string](t, p)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("prefetched items differ (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrefetchLookaheadStaysBounded(t *testing.T) {
	const workers, maxBuffered, n = 2, 3, 60
	var started atomic.Int64

	src := seq.SMap(func(i int) (int, error) {
		started.Add(1)
		return i * 2, nil
	}, seq.Arange(0, n, 1))

	p, err := Prefetch(src, WithWorkers(workers), WithMaxBuffered(maxBuffered))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < n; i++ {
		v, err := p.Get(i)
		require.NoError(t, err)
		require.Equal(t, i*2, v)
		// Everything dispatched beyond what we consumed must fit the
		// lookahead window.
		ahead := started.Load() - int64(i+1)
		require.LessOrEqual(t, ahead, int64(maxBuffered+workers),
			"lookahead overshot after consuming item %d", i)
		time.Sleep(time.Millisecond)
	}
}

func TestPrefetchFailureIsDeliveredInPlace(t *testing.T) {
	boom := errors.New("bad item")
	src := seq.SMap(func(i int) (int, error) {
		if i == 5 {
			return 0, boom
		}
		return i * 2, nil
	}, seq.Arange(0, 10, 1))

	p, err := Prefetch(src, WithWorkers(2), WithMaxBuffered(3))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 10; i++ {
		v, err := p.Get(i)
		if i == 5 {
			var cerr *ComputeError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, 5, cerr.Index)
			require.ErrorIs(t, err, boom)
			continue
		}
		require.NoError(t, err, "item %d", i)
		require.Equal(t, i*2, v)
	}
}

func TestPrefetchAbortOnFailure(t *testing.T) {
	src := seq.SMap(func(i int) (int, error) {
		if i == 2 {
			return 0, errors.New("bad item")
		}
		return i, nil
	}, seq.Arange(0, 5, 1))

	p, err := Prefetch(src, WithWorkers(2), WithMaxBuffered(2), WithAbortOnFailure())
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 2; i++ {
		v, err := p.Get(i)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, err = p.Get(2)
	var cerr *ComputeError
	require.ErrorAs(t, err, &cerr)

	_, err = p.Get(3)
	require.ErrorIs(t, err, ErrAborted)
	_, err = p.Get(4)
	require.ErrorIs(t, err, ErrAborted)
}

func TestPrefetchContainsPanics(t *testing.T) {
	src := seq.SMap(func(i int) (int, error) {
		if i == 3 {
			panic("corrupted record")
		}
		return i, nil
	}, seq.Arange(0, 6, 1))

	p, err := Prefetch(src, WithWorkers(2), WithMaxBuffered(2))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(3)
	var cerr *ComputeError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "panic", cerr.Kind)
	require.Contains(t, cerr.Msg, "corrupted record")
	require.NotEmpty(t, cerr.Stack)

	v, err := p.Get(4)
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

func TestPrefetchRandomAccessReanchors(t *testing.T) {
	src := seq.SMap(func(i int) (int, error) {
		return i * 10, nil
	}, seq.Arange(0, 100, 1))

	p, err := Prefetch(src, WithWorkers(3), WithMaxBuffered(4))
	require.NoError(t, err)
	defer p.Close()

	for _, i := range []int{0, 1, 2, 50, 51, 10, 99, 0} {
		v, err := p.Get(i)
		require.NoError(t, err, "item %d", i)
		require.Equal(t, i*10, v)
	}
}

func TestPrefetchAnticipateStride(t *testing.T) {
	src := seq.SMap(func(i int) (int, error) {
		return i + 100, nil
	}, seq.Arange(0, 40, 1))

	p, err := Prefetch(src,
		WithWorkers(2), WithMaxBuffered(3),
		WithAnticipate(func(i int) int { return i + 2 }))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 40; i += 2 {
		v, err := p.Get(i)
		require.NoError(t, err)
		require.Equal(t, i+100, v)
	}
}

func TestPrefetchGetContextCancellation(t *testing.T) {
	release := make(chan struct{})
	src := seq.SMap(func(i int) (int, error) {
		if i == 0 {
			<-release
		}
		return i, nil
	}, seq.Arange(0, 4, 1))

	p, err := Prefetch(src, WithWorkers(1), WithMaxBuffered(1))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.GetContext(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The pipeline is still usable for the same index.
	close(release)
	v, err := p.Get(0)
	require.NoError(t, err)
	require.Equal(t, 0, v)
}

func TestPrefetchOutOfRange(t *testing.T) {
	p, err := Prefetch(seq.Arange(0, 5, 1), WithWorkers(1))
	require.NoError(t, err)
	defer p.Close()

	var ierr *seq.IndexError
	_, err = p.Get(5)
	require.ErrorAs(t, err, &ierr)
	_, err = p.Get(-1)
	require.ErrorAs(t, err, &ierr)
}

func TestPrefetchClose(t *testing.T) {
	p, err := Prefetch(seq.Arange(0, 10, 1), WithWorkers(2))
	require.NoError(t, err)

	v, err := p.Get(0)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Get(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPrefetchAllIterates(t *testing.T) {
	boom := errors.New("bad item")
	src := seq.SMap(func(i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i * 3, nil
	}, seq.Arange(0, 6, 1))

	p, err := Prefetch(src, WithWorkers(2), WithMaxBuffered(2))
	require.NoError(t, err)
	defer p.Close()

	var got []int
	var failures int
	for v, err := range p.All(context.Background()) {
		if err != nil {
			require.ErrorIs(t, err, boom)
			failures++
			continue
		}
		got = append(got, v)
	}
	require.Equal(t, 1, failures)
	require.Equal(t, []int{0, 3, 9, 12, 15}, got)
}

func TestPrefetchRejectsProcessMethod(t *testing.T) {
	_, err := Prefetch(seq.Arange(0, 5, 1), WithMethod(Processes))
	require.Error(t, err)
}
