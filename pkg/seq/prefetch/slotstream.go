package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nlgranger/SeqTools/pkg/seq/slab"
)

// ===== Process Pipelines =====

// SlotStream reads items computed by isolated worker processes straight out
// of shared-memory transfer slots, with no copy on either side of the
// boundary. Items arrive in index order; each successful Next hands the
// caller a slot view it must Release once done with the bytes.
//
// A SlotStream must be read from a single goroutine.
type SlotStream struct {
	e *engine[procResult]
}

// LoadSlots starts n-item production of the slot function registered under
// fn on isolated worker processes. WithSlotSize is required; WithSlotCount
// defaults to the lookahead bound. A negative n means the length is
// unknown, which disables read-ahead beyond one pending item.
//
// The host binary must call WorkerMain at the top of main, and fn must be
// registered before that call runs.
func LoadSlots(fn string, n int, opts ...Option) (*SlotStream, error) {
	cfg, reg, err := processConfig(opts, true)
	if err != nil {
		return nil, err
	}
	pool, err := newProcPool(fn, modeSlot, reg, cfg)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return &SlotStream{e: newEngine[procResult](pool, reg, n, cfg)}, nil
}

// Next blocks until the next item is ready and returns the slot view
// holding it together with the number of valid bytes. Ownership of the view
// transfers to the caller, which must Release it. A failed item returns a
// nil view and the item's error; the stream stays readable unless
// WithAbortOnFailure was set. Exhaustion is reported as io.EOF.
func (s *SlotStream) Next(ctx context.Context) (*slab.View, int, error) {
	if s.e.terminal != nil {
		return nil, 0, s.e.terminal
	}
	if s.e.exhausted() {
		return nil, 0, io.EOF
	}
	c, err := s.e.next(ctx)
	if err != nil {
		return nil, 0, err
	}
	if c.err != nil {
		return nil, 0, c.err
	}
	return s.e.takeLease(c.slot), c.value.n, nil
}

// Close stops the workers, reclaims outstanding transfer slots and shuts
// the shared arena down once consumer-held views are released.
func (s *SlotStream) Close() error { return s.e.close() }

// ItemStream reads serialized items computed by isolated worker processes.
// It trades the zero-copy transfer of SlotStream for not having to size
// slots up front, which suits small or variable-size values.
//
// An ItemStream must be read from a single goroutine.
type ItemStream struct {
	e *engine[procResult]
}

// LoadItems starts n-item production of the item function registered under
// fn on isolated worker processes. The same host requirements as LoadSlots
// apply; no slot geometry is needed.
func LoadItems(fn string, n int, opts ...Option) (*ItemStream, error) {
	cfg, _, err := processConfig(opts, false)
	if err != nil {
		return nil, err
	}
	pool, err := newProcPool(fn, modeItem, nil, cfg)
	if err != nil {
		return nil, err
	}
	return &ItemStream{e: newEngine[procResult](pool, nil, n, cfg)}, nil
}

// Next blocks until the next item is ready and returns its serialized form.
// Exhaustion is reported as io.EOF.
func (s *ItemStream) Next(ctx context.Context) ([]byte, error) {
	if s.e.terminal != nil {
		return nil, s.e.terminal
	}
	if s.e.exhausted() {
		return nil, io.EOF
	}
	c, err := s.e.next(ctx)
	if err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.value.payload, nil
}

// Close stops the workers.
func (s *ItemStream) Close() error { return s.e.close() }

// processConfig resolves options for a process pipeline and, when slots is
// set, builds the shared slot registry.
func processConfig(opts []Option, slots bool) (config, *slab.Registry, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return config{}, nil, err
	}
	if cfg.methodSet && cfg.method != Processes {
		return config{}, nil, errors.New("prefetch: LoadSlots and LoadItems run on process workers only")
	}
	cfg.method = Processes
	if !slots {
		return cfg, nil, nil
	}
	if cfg.slotSize < 1 {
		return config{}, nil, errors.New("prefetch: WithSlotSize is required for slot transfer")
	}
	if cfg.slotCount < 1 {
		cfg.slotCount = cfg.bound()
	}
	reg, err := slab.NewShared(cfg.slotCount, cfg.slotSize, slab.WithLogger(cfg.logger))
	if err != nil {
		return config{}, nil, fmt.Errorf("prefetch: building transfer slots: %w", err)
	}
	return cfg, reg, nil
}
