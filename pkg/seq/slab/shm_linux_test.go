//go:build linux

package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedArenaRoundTrip(t *testing.T) {
	r, err := NewShared(2, 16)
	require.NoError(t, err)
	defer r.Close()

	fd, ok := r.ArenaFD()
	require.True(t, ok)

	// A second mapping of the same descriptor must observe writes made
	// through the registry's views, like a worker process would.
	m, err := MapSlots(fd, 2, 16)
	require.NoError(t, err)
	defer m.Close()

	lease, ok := r.Lease()
	require.True(t, ok)
	copy(lease.Bytes(), "hello slot")
	require.Equal(t, []byte("hello slot"), m.Slot(lease.Slot().ID())[:10])

	// And the other way around.
	copy(m.Slot(lease.Slot().ID()), "OVERWRITE!")
	require.Equal(t, []byte("OVERWRITE!"), lease.Bytes()[:10])
	lease.Release()
}

func TestMapSlotsRejectsBadGeometry(t *testing.T) {
	_, err := MapSlots(0, 0, 16)
	require.Error(t, err)
}
