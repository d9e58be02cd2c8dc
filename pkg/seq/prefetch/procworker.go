package prefetch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nlgranger/SeqTools/pkg/seq/slab"
)

// ===== Worker-Side Runtime =====

// workerEnv marks a process as a re-executed worker; its value is the
// worker id assigned by the parent.
const workerEnv = "SEQTOOLS_PREFETCH_WORKER"

// SlotFunc computes the item at index directly into a shared transfer slot
// and returns the number of bytes written. Closures cannot cross a process
// boundary, so slot functions are registered under a name with
// RegisterSlotFunc and looked up by the worker.
type SlotFunc func(index int, dst []byte) (int, error)

// ItemFunc computes the item at index and returns it in serialized form.
type ItemFunc func(index int) ([]byte, error)

var funcs = struct {
	sync.RWMutex
	slot map[string]SlotFunc
	item map[string]ItemFunc
}{
	slot: make(map[string]SlotFunc),
	item: make(map[string]ItemFunc),
}

// RegisterSlotFunc makes fn available to process workers under name.
// Registration must happen before WorkerMain runs, typically from an init
// function or the top of main, and must be identical in parent and worker
// since both are the same binary. Registering a name twice panics.
func RegisterSlotFunc(name string, fn SlotFunc) {
	funcs.Lock()
	defer funcs.Unlock()
	if _, dup := funcs.slot[name]; dup {
		panic(fmt.Sprintf("prefetch: slot function %q registered twice", name))
	}
	funcs.slot[name] = fn
}

// RegisterItemFunc makes fn available to process workers under name. The
// same registration rules as RegisterSlotFunc apply.
func RegisterItemFunc(name string, fn ItemFunc) {
	funcs.Lock()
	defer funcs.Unlock()
	if _, dup := funcs.item[name]; dup {
		panic(fmt.Sprintf("prefetch: item function %q registered twice", name))
	}
	funcs.item[name] = fn
}

func lookupSlotFunc(name string) (SlotFunc, bool) {
	funcs.RLock()
	defer funcs.RUnlock()
	fn, ok := funcs.slot[name]
	return fn, ok
}

func lookupItemFunc(name string) (ItemFunc, bool) {
	funcs.RLock()
	defer funcs.RUnlock()
	fn, ok := funcs.item[name]
	return fn, ok
}

// WorkerMain runs the worker protocol when the current process was spawned
// as a prefetch worker and returns without doing anything otherwise. Hosts
// of process pipelines must call it first thing:
//
//	func main() {
//		if prefetch.WorkerMain() {
//			return
//		}
//		// regular program
//	}
//
// When it handled the worker role it exits the process itself; the true
// return value is only reachable in tests that stub the exit.
func WorkerMain() bool {
	id := os.Getenv(workerEnv)
	if id == "" {
		return false
	}
	log := slog.With("worker", id)
	if err := runWorker(os.Stdin, os.Stdout); err != nil {
		log.Error("prefetch: worker terminated", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

// runWorker speaks the worker side of the wire protocol on the given
// streams until a stop frame or stream error.
func runWorker(in io.Reader, out io.Writer) error {
	dec := msgpack.NewDecoder(in)
	enc := msgpack.NewEncoder(out)

	var hello helloMsg
	if err := dec.Decode(&hello); err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}

	var (
		slotFn  SlotFunc
		itemFn  ItemFunc
		mapping *slab.Mapping
	)
	switch hello.Mode {
	case modeSlot:
		fn, ok := lookupSlotFunc(hello.Fn)
		if !ok {
			return refuse(enc, fmt.Sprintf("unknown slot function %q", hello.Fn))
		}
		m, err := slab.MapSlots(arenaFD, hello.SlotCount, hello.SlotSize)
		if err != nil {
			return refuse(enc, fmt.Sprintf("mapping shared arena: %v", err))
		}
		defer m.Close()
		slotFn, mapping = fn, m
	case modeItem:
		fn, ok := lookupItemFunc(hello.Fn)
		if !ok {
			return refuse(enc, fmt.Sprintf("unknown item function %q", hello.Fn))
		}
		itemFn = fn
	default:
		return refuse(enc, fmt.Sprintf("unknown transfer mode %d", hello.Mode))
	}
	if err := enc.Encode(readyMsg{OK: true}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	for {
		var t taskMsg
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				// Parent went away without a stop frame.
				return errors.New("task stream closed")
			}
			return fmt.Errorf("reading task: %w", err)
		}
		if t.Stop {
			return nil
		}

		r := resultMsg{Index: t.Index, Pos: t.Pos, Epoch: t.Epoch, Slot: t.Slot}
		n, payload, err := runTask(&t, slotFn, itemFn, mapping)
		if err != nil {
			r.Status = statusFailed
			var cerr *ComputeError
			if errors.As(err, &cerr) {
				r.ErrKind, r.ErrMsg, r.ErrStack = cerr.Kind, cerr.Msg, cerr.Stack
			} else {
				r.ErrKind, r.ErrMsg = fmt.Sprintf("%T", err), err.Error()
			}
		} else {
			r.Status = statusDone
			r.N = n
			r.Payload = payload
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("sending result: %w", err)
		}
	}
}

func refuse(enc *msgpack.Encoder, reason string) error {
	_ = enc.Encode(readyMsg{Err: reason})
	return errors.New(reason)
}

// runTask evaluates one task, converting errors and panics into
// ComputeError so a bad item fails alone instead of crashing the worker.
func runTask(t *taskMsg, slotFn SlotFunc, itemFn ItemFunc, mapping *slab.Mapping) (n int, payload []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ComputeError{
				Index: t.Index,
				Kind:  "panic",
				Msg:   fmt.Sprint(rec),
				Stack: string(debug.Stack()),
			}
		}
	}()
	if slotFn != nil {
		n, err = slotFn(t.Index, mapping.Slot(t.Slot))
	} else {
		payload, err = itemFn(t.Index)
	}
	if err != nil {
		err = &ComputeError{
			Index: t.Index,
			Kind:  fmt.Sprintf("%T", err),
			Msg:   err.Error(),
			cause: err,
		}
	}
	return n, payload, err
}
