//go:build !linux

package slab

import "errors"

var errNoShm = errors.New("slab: shared-memory arenas require linux")

func newShmArena(size int) (arena, error) { return nil, errNoShm }

// Mapping is a worker-process view of a registry arena. Shared mappings are
// only supported on Linux; this stub keeps the package portable.
type Mapping struct{}

// MapSlots is unsupported on this platform.
func MapSlots(fd, count, size int) (*Mapping, error) { return nil, errNoShm }

// Slot is unsupported on this platform.
func (m *Mapping) Slot(i int) []byte { panic(errNoShm) }

// Close is a no-op on this platform.
func (m *Mapping) Close() error { return nil }
