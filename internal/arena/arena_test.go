//go:build linux

package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

func TestAllocate_PageAlignedAddresses(t *testing.T) {
	a := New("test")
	t.Cleanup(func() { _ = a.Close() })

	first, err := a.Allocate(64, 48, 64*48)
	require.NoError(t, err)
	second, err := a.Allocate(64, 48, 64*48/2)
	require.NoError(t, err)

	i1, ok := a.Lookup(first)
	require.True(t, ok)
	i2, ok := a.Lookup(second)
	require.True(t, ok)

	assert.Equal(t, BaseAddr, i1.Addr)
	assert.Greater(t, i2.Addr, i1.Addr)
	assert.Zero(t, i2.Addr%a.pageSize)
	assert.Equal(t, 64, i2.Width)
	assert.Equal(t, 48, i2.Height)
	assert.Equal(t, 64*48/2, a.Length(second))
}

func TestAllocate_RejectsBadGeometry(t *testing.T) {
	a := New("test")
	t.Cleanup(func() { _ = a.Close() })

	_, err := a.Allocate(0, 10, 10)
	assert.Error(t, err)
	_, err = a.Allocate(10, 10, 0)
	assert.Error(t, err)
}

func TestExport_SharesMemory(t *testing.T) {
	a := New("test")
	t.Cleanup(func() { _ = a.Close() })

	id, err := a.Allocate(16, 16, 256)
	require.NoError(t, err)

	mem, err := a.Bytes(id)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = byte(i)
	}

	f, err := a.Export(id)
	require.NoError(t, err)
	defer f.Close()

	view, err := unix.Mmap(int(f.Fd()), 0, 256, unix.PROT_READ, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(view)

	assert.Equal(t, mem, view)

	mem[10] = 0xff
	assert.Equal(t, byte(0xff), view[10], "exported mapping observes writes")
}

func TestRetainRelease(t *testing.T) {
	a := New("test")
	t.Cleanup(func() { _ = a.Close() })

	id, err := a.Allocate(8, 8, 64)
	require.NoError(t, err)

	require.NoError(t, a.Retain(id))
	assert.Equal(t, 1, a.Stats().Retained)
	a.Release(id)
	assert.Equal(t, 0, a.Stats().Retained)

	a.Release(id) // floor at zero
	a.Release(vframe.RegionID(999))

	assert.ErrorIs(t, a.Retain(vframe.RegionID(999)), ErrUnknownRegion)
}

func TestClose(t *testing.T) {
	a := New("test")
	id, err := a.Allocate(8, 8, 64)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, ok := a.Lookup(id)
	assert.False(t, ok)
	_, err = a.Bytes(id)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Allocate(8, 8, 64)
	assert.ErrorIs(t, err, ErrClosed)
}
