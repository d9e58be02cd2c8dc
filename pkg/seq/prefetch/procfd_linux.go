//go:build linux

package prefetch

import (
	"os"

	"golang.org/x/sys/unix"
)

// dupArena duplicates the shared arena descriptor so the child process gets
// its own copy and the registry keeps the original. The returned file is
// closed by the parent right after the child starts.
func dupArena(fd int) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), "slab-arena"), nil
}
