package prefetch

import (
	"errors"
	"fmt"
)

// ===== Error Taxonomy =====

// Sentinel states a pipeline can end up in. Both are terminal: once one is
// returned, every later read returns the same error.
var (
	// ErrAborted is wrapped into the error returned by reads that follow a
	// failure on a pipeline configured with WithAbortOnFailure.
	ErrAborted = errors.New("prefetch: pipeline aborted on earlier failure")

	// ErrClosed is returned by reads after Close.
	ErrClosed = errors.New("prefetch: pipeline closed")
)

// ComputeError reports that evaluating a single item failed or panicked
// inside a worker. It is delivered at the failing item's position and does
// not poison neighboring items unless WithAbortOnFailure is set.
type ComputeError struct {
	// Index is the sequence index whose evaluation failed.
	Index int
	// Kind names the failure class, either the concrete error type or
	// "panic" when the worker recovered a panic.
	Kind string
	// Msg is the failure message.
	Msg string
	// Stack holds the worker-side stack trace when the failure crossed a
	// process boundary and the original error value could not.
	Stack string

	cause error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("prefetch: computing item %d failed (%s): %s", e.Index, e.Kind, e.Msg)
}

// Unwrap exposes the original error when the failure happened in-process.
// For process workers only Kind, Msg and Stack survive the boundary and
// Unwrap returns nil.
func (e *ComputeError) Unwrap() error { return e.cause }

// WorkerCrashError reports that an isolated worker process exited without
// completing the protocol. It is fatal: the pipeline stops dispatching and
// becomes terminal once the completed items below the crash are delivered.
type WorkerCrashError struct {
	// WorkerID identifies the crashed worker.
	WorkerID string
	// Detail describes how the crash was observed, typically the process
	// exit status or the stream error that revealed it.
	Detail string
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("prefetch: worker %s crashed: %s", e.WorkerID, e.Detail)
}

// TransferError reports a failure moving a task or a result across the
// process boundary.
type TransferError struct {
	// WorkerID identifies the worker involved.
	WorkerID string
	// Op names the transfer that failed, for example "send task".
	Op string
	// Fatal marks transfer failures that indicate a broken channel rather
	// than a single undeliverable payload. Fatal transfer errors stop the
	// pipeline like a crash does.
	Fatal bool

	cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("prefetch: %s for worker %s failed: %v", e.Op, e.WorkerID, e.cause)
}

func (e *TransferError) Unwrap() error { return e.cause }

// fatalError reports whether err must stop the whole pipeline as opposed to
// failing a single item.
func fatalError(err error) bool {
	var crash *WorkerCrashError
	if errors.As(err, &crash) {
		return true
	}
	var transfer *TransferError
	return errors.As(err, &transfer) && transfer.Fatal
}
