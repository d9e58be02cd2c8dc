package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nlgranger/SeqTools/pkg/seq/slab"
)

// ===== Process Workers =====

// procPool runs workers as re-executions of the host binary. Each worker
// gets a dedicated feeder and reader goroutine; the handshake happens
// synchronously in the constructor so a worker that cannot set itself up
// fails the pipeline before any task is accepted.
type procPool struct {
	tasks   chan task
	done    chan completion[procResult]
	workers []*procWorker
	g       *errgroup.Group
	log     *slog.Logger

	stopping atomic.Bool
	stopOnce sync.Once
}

type procWorker struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *msgpack.Encoder
	dec   *msgpack.Decoder
}

func newProcPool(fn string, mode uint8, reg *slab.Registry, cfg config) (*procPool, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("prefetch: locating own binary: %w", err)
	}

	bound := cfg.bound()
	p := &procPool{
		tasks: make(chan task, bound),
		done:  make(chan completion[procResult], bound+2*cfg.workers),
		g:     &errgroup.Group{},
		log:   cfg.logger,
	}

	hello := helloMsg{Fn: fn, Mode: mode}
	if reg != nil {
		hello.SlotCount = reg.SlotCount()
		hello.SlotSize = reg.SlotSize()
	}
	for i := 0; i < cfg.workers; i++ {
		w, err := p.spawn(self, hello, reg)
		if err != nil {
			p.kill()
			for _, prev := range p.workers {
				_ = prev.cmd.Wait()
			}
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	for _, w := range p.workers {
		w := w
		p.g.Go(func() error { return p.feed(w) })
		p.g.Go(func() error { return p.read(w) })
	}
	return p, nil
}

func (p *procPool) spawn(self string, hello helloMsg, reg *slab.Registry) (*procWorker, error) {
	w := &procWorker{id: uuid.NewString()}
	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), workerEnv+"="+w.id)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("prefetch: worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("prefetch: worker stdout: %w", err)
	}
	closePipes := func() {
		_ = stdin.Close()
		_ = stdout.Close()
	}

	var arena *os.File
	if reg != nil {
		fd, ok := reg.ArenaFD()
		if !ok {
			closePipes()
			return nil, errors.New("prefetch: registry is not shareable across processes")
		}
		// The child inherits a duplicate as descriptor 3.
		arena, err = dupArena(fd)
		if err != nil {
			closePipes()
			return nil, fmt.Errorf("prefetch: duplicating arena descriptor: %w", err)
		}
		cmd.ExtraFiles = []*os.File{arena}
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		if arena != nil {
			_ = arena.Close()
		}
		return nil, fmt.Errorf("prefetch: starting worker: %w", err)
	}
	if arena != nil {
		_ = arena.Close()
	}
	w.cmd = cmd
	w.stdin = stdin
	w.enc = msgpack.NewEncoder(stdin)
	w.dec = msgpack.NewDecoder(stdout)

	if err := w.enc.Encode(hello); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &TransferError{WorkerID: w.id, Op: "handshake", Fatal: true, cause: err}
	}
	var ready readyMsg
	if err := w.dec.Decode(&ready); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &TransferError{WorkerID: w.id, Op: "handshake", Fatal: true, cause: err}
	}
	if !ready.OK {
		_ = stdin.Close()
		_ = cmd.Wait()
		return nil, fmt.Errorf("prefetch: worker %s refused setup: %s", w.id, ready.Err)
	}
	p.log.Debug("prefetch: process worker ready", "worker", w.id, "pid", cmd.Process.Pid)
	return w, nil
}

// feed forwards tasks to one worker until the inbox closes, then sends the
// stop frame and closes the worker's stdin.
func (p *procPool) feed(w *procWorker) error {
	for t := range p.tasks {
		msg := taskMsg{Index: t.index, Pos: t.pos, Epoch: t.epoch, Slot: t.slot}
		if err := w.enc.Encode(msg); err != nil {
			p.done <- completion[procResult]{
				task: t,
				err:  &TransferError{WorkerID: w.id, Op: "send task", Fatal: true, cause: err},
			}
			return nil
		}
	}
	_ = w.enc.Encode(taskMsg{Stop: true})
	_ = w.stdin.Close()
	return nil
}

// read turns one worker's result frames into completions. A stream ending
// outside of shutdown means the worker died.
func (p *procPool) read(w *procWorker) error {
	for {
		var r resultMsg
		if err := w.dec.Decode(&r); err != nil {
			werr := w.cmd.Wait()
			if p.stopping.Load() && errors.Is(err, io.EOF) {
				return nil
			}
			detail := err.Error()
			if werr != nil {
				detail = werr.Error()
			}
			p.done <- completion[procResult]{
				task: task{index: -1, pos: -1, slot: -1},
				err:  &WorkerCrashError{WorkerID: w.id, Detail: detail},
			}
			return nil
		}
		c := completion[procResult]{
			task: task{index: r.Index, pos: r.Pos, epoch: r.Epoch, slot: r.Slot},
		}
		switch r.Status {
		case statusDone:
			c.value = procResult{n: r.N, payload: r.Payload}
		case statusFailed:
			c.err = &ComputeError{Index: r.Index, Kind: r.ErrKind, Msg: r.ErrMsg, Stack: r.ErrStack}
		default:
			c.err = &TransferError{
				WorkerID: w.id,
				Op:       "decode result",
				Fatal:    true,
				cause:    fmt.Errorf("unknown status %d", r.Status),
			}
		}
		p.done <- c
	}
}

func (p *procPool) submit(t task) bool {
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

func (p *procPool) completions() <-chan completion[procResult] { return p.done }

func (p *procPool) close(ctx context.Context) error {
	p.stopping.Store(true)
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
		p.kill()
		<-idle
		return ctx.Err()
	}
}

func (p *procPool) kill() {
	for _, w := range p.workers {
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
}
