package slab

// arena is the backing storage for a registry's slots.
type arena interface {
	bytes() []byte
	// fd returns the descriptor a worker process can map, if any.
	fd() (int, bool)
	close() error
}

type heapArena struct {
	buf []byte
}

func (a *heapArena) bytes() []byte   { return a.buf }
func (a *heapArena) fd() (int, bool) { return -1, false }
func (a *heapArena) close() error    { a.buf = nil; return nil }
