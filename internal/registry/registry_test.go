package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/plane"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

type fakeBacking struct {
	mu       sync.Mutex
	retained map[vframe.RegionID]int
	failNext bool
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{retained: make(map[vframe.RegionID]int)}
}

func (b *fakeBacking) Retain(id vframe.RegionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errors.New("out of memory")
	}
	b.retained[id]++
	return nil
}

func (b *fakeBacking) Release(id vframe.RegionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[id]--
}

func (b *fakeBacking) count(id vframe.RegionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[id]
}

func region(id vframe.RegionID) plane.Region {
	return plane.Region{ID: id, Addr: uint64(id) << 20, Width: 64, Height: 64, Stride: 64, Length: 64 * 64}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	backing := newFakeBacking()
	reg := New(8, backing)

	first, err := reg.GetOrCreate(2, 0, region(10))
	require.NoError(t, err)
	second, err := reg.GetOrCreate(2, 0, region(10))
	require.NoError(t, err)

	assert.Same(t, first, second, "same slot and plane must reuse the handle")
	assert.Equal(t, 1, backing.count(10), "region retained once")
	assert.Equal(t, uint64(1), reg.Stats().Created)
	assert.Same(t, first, reg.Lookup(2, 0))
}

func TestGetOrCreate_RegionChangeReplacesHandle(t *testing.T) {
	backing := newFakeBacking()
	reg := New(8, backing)

	old, err := reg.GetOrCreate(1, 1, region(20))
	require.NoError(t, err)
	fresh, err := reg.GetOrCreate(1, 1, region(21))
	require.NoError(t, err)

	assert.NotSame(t, old, fresh)
	assert.False(t, old.Alive(), "replaced handle without consumers is destroyed")
	assert.Equal(t, 0, backing.count(20))
	assert.Equal(t, 1, backing.count(21))
}

func TestInvalidate_ConsumerKeepsHandleAlive(t *testing.T) {
	backing := newFakeBacking()
	reg := New(8, backing)

	h, err := reg.GetOrCreate(3, 0, region(30))
	require.NoError(t, err)
	require.True(t, h.Acquire(), "consumer takes a reference")

	require.NoError(t, reg.Invalidate(3))

	assert.True(t, h.Alive(), "consumer reference keeps the handle valid")
	assert.Nil(t, reg.Lookup(3, 0), "invalidated handle is no longer discoverable")
	assert.Equal(t, 1, backing.count(30))

	next, err := reg.GetOrCreate(3, 0, region(30))
	require.NoError(t, err)
	assert.NotSame(t, h, next, "grab after invalidate creates a distinct handle")

	h.Release()
	assert.False(t, h.Alive())
	assert.Same(t, next, reg.Lookup(3, 0), "late release must not unregister the replacement")
	assert.Equal(t, 1, backing.count(30), "only the replacement still retains the region")
}

func TestInvalidateAll_GenerationMakesHandlesStale(t *testing.T) {
	backing := newFakeBacking()
	reg := New(4, backing)

	h, err := reg.GetOrCreate(0, 0, region(40))
	require.NoError(t, err)

	reg.InvalidateAll()
	assert.Equal(t, uint64(1), reg.Stats().Generation)

	next, err := reg.GetOrCreate(0, 0, region(40))
	require.NoError(t, err)
	assert.NotSame(t, h, next)
	assert.False(t, h.Alive())
	assert.Equal(t, uint64(1), next.Generation())
}

func TestGetOrCreate_Errors(t *testing.T) {
	backing := newFakeBacking()
	reg := New(4, backing)

	_, err := reg.GetOrCreate(4, 0, region(1))
	assert.ErrorIs(t, err, ErrSlotOutOfRange)

	_, err = reg.GetOrCreate(0, vframe.MaxPlanes, region(1))
	assert.ErrorIs(t, err, plane.ErrInvalidPlane)

	backing.failNext = true
	_, err = reg.GetOrCreate(0, 0, region(1))
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Nil(t, reg.Lookup(0, 0))
}

func TestHandle_AcquireAfterDestroyFails(t *testing.T) {
	backing := newFakeBacking()
	reg := New(4, backing)

	h, err := reg.GetOrCreate(0, 2, region(5))
	require.NoError(t, err)
	require.NoError(t, reg.Invalidate(0))

	assert.False(t, h.Acquire())
	h.Release() // no-op on a dead handle
	assert.Equal(t, int32(0), h.Refs())
	assert.Equal(t, int64(0), reg.Stats().Live)
	assert.Equal(t, uint64(1), reg.Stats().Destroyed)
}

func TestSweep_ConcurrentWithCreate(t *testing.T) {
	backing := newFakeBacking()
	reg := New(16, backing)

	var wg sync.WaitGroup
	for slot := 0; slot < 16; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := reg.GetOrCreate(slot, i%vframe.MaxPlanes, region(vframe.RegionID(slot*10+i%vframe.MaxPlanes+1)))
				assert.NoError(t, err)
				if i%7 == 0 {
					_ = reg.Invalidate(slot)
				}
			}
		}(slot)
	}
	wg.Wait()

	reg.Sweep()
	stats := reg.Stats()
	assert.Equal(t, int64(0), stats.Live)
	assert.Equal(t, stats.Created, stats.Destroyed)
}
