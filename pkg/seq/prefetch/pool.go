package prefetch

import "context"

// ===== Worker Pool Contract =====

// task describes one unit of work handed to a worker.
type task struct {
	// index is the sequence index to evaluate.
	index int
	// pos is the task's position on the dispatch chain, used by the reorder
	// buffer to slot the completion back into delivery order.
	pos int
	// epoch identifies the dispatch generation the task belongs to. Tasks
	// from past generations are released on arrival instead of delivered.
	epoch uint64
	// slot is the transfer slot leased for the result, or -1 when results
	// travel by value.
	slot int
}

// completion is a finished task together with its outcome.
type completion[T any] struct {
	task
	value T
	err   error
}

// workerPool abstracts over thread and process workers. The coordinator is
// the only caller of submit and close; completions may be read while submit
// is in use.
type workerPool[T any] interface {
	// submit hands t to an idle worker. It never blocks; false means every
	// worker inbox is full and the caller should retry after draining
	// completions.
	submit(t task) bool

	// completions streams finished tasks in whatever order workers finish
	// them. The channel has enough capacity for every in-flight task so
	// workers never block sending to it.
	completions() <-chan completion[T]

	// close stops the pool after outstanding tasks finish, or once ctx
	// expires. No submit may follow it.
	close(ctx context.Context) error
}
