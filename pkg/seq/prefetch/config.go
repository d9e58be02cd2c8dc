package prefetch

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// ===== Execution Methods =====

// Method selects the execution model of a pipeline's workers.
type Method int

const (
	// Threads runs workers as goroutines sharing the process memory.
	Threads Method = iota
	// Processes runs workers as isolated child processes. Results cross the
	// boundary either through shared-memory slots or serialized payloads.
	Processes
)

func (m Method) String() string {
	switch m {
	case Threads:
		return "threads"
	case Processes:
		return "processes"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ===== Configuration =====

const (
	defaultWorkerTimeout = 5 * time.Second
)

type config struct {
	workers        int
	maxBuffered    int
	method         Method
	methodSet      bool
	abortOnFailure bool
	anticipate     func(int) int
	logger         *slog.Logger
	slotCount      int
	slotSize       int
	workerTimeout  time.Duration
}

// Option configures a pipeline.
type Option func(*config)

// WithWorkers sets the number of parallel workers. Values below one fall
// back to the default of runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithMaxBuffered sets how many completed items may sit ready ahead of the
// consumer. Together with the worker count it bounds the lookahead window:
// at most maxBuffered+workers items are in flight at any time. Values below
// one fall back to the default of twice the worker count.
func WithMaxBuffered(n int) Option {
	return func(c *config) { c.maxBuffered = n }
}

// WithMethod selects the execution model. Prefetch only accepts Threads;
// LoadSlots and LoadItems only accept Processes.
func WithMethod(m Method) Option {
	return func(c *config) {
		c.method = m
		c.methodSet = true
	}
}

// WithAbortOnFailure makes the first item failure terminal: the failure is
// delivered at its position and every later read returns an error wrapping
// ErrAborted. By default failures are delivered per item and the consumer
// may keep reading past them.
func WithAbortOnFailure() Option {
	return func(c *config) { c.abortOnFailure = true }
}

// WithAnticipate installs the function predicting which index the consumer
// will ask for after index i. The default is the successor function, tuned
// for sequential scans. A consumer stepping by k should install
// func(i int) int { return i + k } to keep the lookahead useful.
func WithAnticipate(fn func(i int) int) Option {
	return func(c *config) { c.anticipate = fn }
}

// WithLogger routes the pipeline's diagnostics to l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSlotCount sets the number of shared-memory transfer slots backing a
// LoadSlots pipeline. The default matches the lookahead bound so dispatch is
// never starved by slot exhaustion.
func WithSlotCount(n int) Option {
	return func(c *config) { c.slotCount = n }
}

// WithSlotSize sets the byte capacity of each shared-memory transfer slot.
// Required for LoadSlots.
func WithSlotSize(bytes int) Option {
	return func(c *config) { c.slotSize = bytes }
}

// WithWorkerTimeout bounds how long Close waits for workers to finish their
// current item before giving up (and, for process workers, killing them).
// The default is five seconds.
func WithWorkerTimeout(d time.Duration) Option {
	return func(c *config) { c.workerTimeout = d }
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		method:        Threads,
		logger:        slog.Default(),
		workerTimeout: defaultWorkerTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = runtime.GOMAXPROCS(0)
	}
	if cfg.maxBuffered < 1 {
		cfg.maxBuffered = 2 * cfg.workers
	}
	if cfg.method != Threads && cfg.method != Processes {
		return config{}, fmt.Errorf("prefetch: unknown method %v", cfg.method)
	}
	if cfg.anticipate == nil {
		cfg.anticipate = func(i int) int { return i + 1 }
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.workerTimeout <= 0 {
		cfg.workerTimeout = defaultWorkerTimeout
	}
	return cfg, nil
}

// bound is the lookahead window size: completed-but-unread items plus items
// a worker can be busy with.
func (c *config) bound() int {
	return c.maxBuffered + c.workers
}
