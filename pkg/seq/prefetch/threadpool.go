package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nlgranger/SeqTools/pkg/seq"
)

// ===== Thread Workers =====

// threadPool evaluates items on a fixed set of goroutines pulling from a
// shared inbox.
type threadPool[T any] struct {
	src   seq.Sequence[T]
	tasks chan task
	done  chan completion[T]
	g     *errgroup.Group
	log   *slog.Logger

	stopOnce sync.Once
}

func newThreadPool[T any](src seq.Sequence[T], workers, bound int, log *slog.Logger) *threadPool[T] {
	p := &threadPool[T]{
		src:   src,
		tasks: make(chan task, bound),
		done:  make(chan completion[T], bound+workers),
		g:     &errgroup.Group{},
		log:   log,
	}
	for i := 0; i < workers; i++ {
		id := i
		p.g.Go(func() error {
			p.run(id)
			return nil
		})
	}
	return p
}

func (p *threadPool[T]) run(id int) {
	p.log.Debug("prefetch: thread worker starting", "worker", id)
	for t := range p.tasks {
		v, err := evalItem(p.src, t.index)
		p.done <- completion[T]{task: t, value: v, err: err}
	}
	p.log.Debug("prefetch: thread worker stopping", "worker", id)
}

func (p *threadPool[T]) submit(t task) bool {
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

func (p *threadPool[T]) completions() <-chan completion[T] { return p.done }

func (p *threadPool[T]) close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.tasks) })
	idle := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evalItem evaluates one item, turning errors and panics into ComputeError
// so a misbehaving item cannot take the worker down with it.
func evalItem[T any](src seq.Sequence[T], index int) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ComputeError{
				Index: index,
				Kind:  "panic",
				Msg:   fmt.Sprint(rec),
				Stack: string(debug.Stack()),
			}
		}
	}()
	v, err = src.Get(index)
	if err != nil {
		err = &ComputeError{
			Index: index,
			Kind:  fmt.Sprintf("%T", err),
			Msg:   err.Error(),
			cause: err,
		}
	}
	return v, err
}
