package prefetch

import (
	"context"
	"errors"
	"iter"

	"github.com/nlgranger/SeqTools/pkg/seq"
)

// ===== In-Process Pipeline =====

// Prefetched is a sequence whose items are evaluated ahead of the consumer
// by thread workers. It is itself a seq.Sequence, so pipelines compose, but
// unlike the passive views it owns background workers and must be closed.
//
// Reads are strictly ordered: sequential Gets ride the lookahead, while a
// Get off the predicted index abandons the current plan and re-anchors
// there. A Prefetched must be read from a single goroutine.
type Prefetched[T any] struct {
	e *engine[T]
}

// Prefetch wraps src with a prefetching pipeline. Only the Threads method
// is accepted here; process workers cannot carry arbitrary in-memory
// values, use LoadSlots or LoadItems for those.
func Prefetch[T any](src seq.Sequence[T], opts ...Option) (*Prefetched[T], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.methodSet && cfg.method != Threads {
		return nil, errors.New("prefetch: Prefetch supports Threads only; use LoadSlots or LoadItems for process workers")
	}
	pool := newThreadPool(src, cfg.workers, cfg.bound(), cfg.logger)
	return &Prefetched[T]{e: newEngine[T](pool, nil, src.Len(), cfg)}, nil
}

// Len returns the length of the underlying sequence.
func (p *Prefetched[T]) Len() int { return p.e.length }

// Get returns the item at index i.
func (p *Prefetched[T]) Get(i int) (T, error) {
	return p.GetContext(context.Background(), i)
}

// GetContext returns the item at index i, honoring ctx while waiting for
// workers. A canceled wait leaves the pipeline reusable: the same index can
// be asked for again.
func (p *Prefetched[T]) GetContext(ctx context.Context, i int) (T, error) {
	var zero T
	if i < 0 || i >= p.e.length {
		return zero, &seq.IndexError{Index: i, Len: p.e.length}
	}
	if p.e.terminal != nil {
		return zero, p.e.terminal
	}
	if i != p.e.win.expectedIndex() {
		p.e.reanchor(i)
	}
	c, err := p.e.next(ctx)
	if err != nil {
		return zero, err
	}
	if c.err != nil {
		return zero, c.err
	}
	return c.value, nil
}

// All iterates the sequence in order, yielding each item with its error.
// Per-item failures are yielded and iteration continues; a terminal pipeline
// error (abort, crash, Close) is yielded once and ends the iteration.
func (p *Prefetched[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i := 0; i < p.e.length; i++ {
			v, err := p.GetContext(ctx, i)
			if !yield(v, err) {
				return
			}
			if err != nil && (p.e.terminal != nil || ctx.Err() != nil) {
				return
			}
		}
	}
}

// Close stops the workers and waits for them up to the configured worker
// timeout. Reads after Close return ErrClosed.
func (p *Prefetched[T]) Close() error { return p.e.close() }
