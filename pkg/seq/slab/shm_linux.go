//go:build linux

package slab

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// shmArena is an anonymous shared memory mapping created with memfd_create.
// The descriptor is kept open so it can be inherited by worker processes.
type shmArena struct {
	memfd int
	data  []byte
}

func newShmArena(size int) (*shmArena, error) {
	fd, err := unix.MemfdCreate("seqtools-slab", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("slab: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("slab: sizing arena to %d bytes: %w", size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("slab: mapping arena: %w", err)
	}
	return &shmArena{memfd: fd, data: data}, nil
}

func (a *shmArena) bytes() []byte   { return a.data }
func (a *shmArena) fd() (int, bool) { return a.memfd, true }

func (a *shmArena) close() error {
	err := unix.Munmap(a.data)
	if cerr := unix.Close(a.memfd); err == nil {
		err = cerr
	}
	a.data = nil
	return err
}

// Mapping is a worker-process view of a registry arena inherited through a
// file descriptor. It carries no refcounting: the owning process guarantees
// that a slot handed to this worker stays leased until the worker reports
// completion.
type Mapping struct {
	data     []byte
	slotSize int
	count    int
}

// MapSlots maps count slots of size bytes from the inherited descriptor fd.
func MapSlots(fd, count, size int) (*Mapping, error) {
	if count < 1 || size < 1 {
		return nil, fmt.Errorf("slab: invalid mapping geometry %dx%d", count, size)
	}
	data, err := unix.Mmap(fd, 0, count*size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("slab: mapping inherited arena: %w", err)
	}
	return &Mapping{data: data, slotSize: size, count: count}, nil
}

// Slot returns the memory region of slot i.
func (m *Mapping) Slot(i int) []byte {
	return m.data[i*m.slotSize : (i+1)*m.slotSize : (i+1)*m.slotSize]
}

// Close unmaps the arena.
func (m *Mapping) Close() error {
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
