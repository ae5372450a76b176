//go:build linux

package framebroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/arena"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider/synthetic"
)

type rig struct {
	arena  *arena.Arena
	ring   *provider.Ring
	broker framebroker.Broker
}

func newRig(t *testing.T, slots int) *rig {
	t.Helper()

	a := arena.New("framebroker-test")
	ring, err := provider.NewRing(provider.RingConfig{
		Name: "test", Slots: slots, Format: framebroker.FormatYUV420, Width: 64, Height: 48,
	}, a)
	require.NoError(t, err)

	b, err := framebroker.New(framebroker.Config{SlotCapacity: 8}, ring, a, a)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = b.Close()
		_ = a.Close()
	})
	return &rig{arena: a, ring: ring, broker: b}
}

func (r *rig) publish(t *testing.T, tick uint64) {
	t.Helper()
	ok := r.ring.Publish(provider.Meta{PTS: time.Duration(tick) * time.Millisecond}, func(planes [][]byte) error {
		synthetic.Fill(planes, 64, 48, tick)
		return nil
	})
	require.True(t, ok, "ring full")
}

func TestNew_Validation(t *testing.T) {
	a := arena.New("x")
	defer a.Close()

	_, err := framebroker.New(framebroker.Config{}, nil, a, a)
	assert.Error(t, err)
	_, err = framebroker.New(framebroker.Config{SlotCapacity: -1}, &provider.Ring{}, a, a)
	assert.Error(t, err)
}

func TestGrab_BeforeStart(t *testing.T) {
	r := newRig(t, 2)

	_, err := r.broker.Grab(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, framebroker.ErrNotStarted)

	require.NoError(t, r.broker.Start(context.Background()))
	assert.ErrorIs(t, r.broker.Start(context.Background()), framebroker.ErrAlreadyStarted)
}

func TestEndToEnd_ThreeFramesThenGrab(t *testing.T) {
	r := newRig(t, 4)
	require.NoError(t, r.broker.Start(context.Background()))
	r.ring.Start()

	for i := uint64(1); i <= 3; i++ {
		r.publish(t, i)
	}
	assert.Equal(t, framebroker.Counters{Decoded: 3, Ready: 3}, r.broker.Info())

	start := time.Now()
	set, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Len(t, set.Planes, 3)
	assert.Equal(t, int64(2), r.broker.Info().Ready)
	assert.Equal(t, uint64(1), set.Seq)

	info, ok := r.arena.Lookup(set.Planes[0].Region.ID)
	require.True(t, ok)
	assert.Equal(t, info.Addr, set.Planes[0].Region.Addr)

	luma, err := r.arena.Bytes(set.Planes[0].Region.ID)
	require.NoError(t, err)
	assert.Equal(t, byte(1), luma[0], "plane memory holds the published pattern")

	assert.True(t, r.broker.Put(set.Token))
	assert.False(t, r.broker.Put(set.Token))
}

func TestGrab_TimeoutWithoutFrames(t *testing.T) {
	r := newRig(t, 2)
	require.NoError(t, r.broker.Start(context.Background()))

	start := time.Now()
	_, err := r.broker.Grab(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, framebroker.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRoundTrip_ReusesHandlesAcrossSlotRecycling(t *testing.T) {
	r := newRig(t, 1)
	require.NoError(t, r.broker.Start(context.Background()))

	r.publish(t, 1)
	first, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, r.broker.Put(first.Token))

	r.publish(t, 2)
	second, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, first.Slot, second.Slot)
	for p := range first.Planes {
		assert.Same(t, first.Planes[p].Handle, second.Planes[p].Handle)
	}
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(3), r.broker.Stats().Registry.Created)
}

func TestProviderReset_StalesHandles(t *testing.T) {
	r := newRig(t, 2)
	require.NoError(t, r.broker.Start(context.Background()))

	r.publish(t, 1)
	first, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, first.Retain(), "consumer keeps a reference across the reset")
	require.True(t, r.broker.Put(first.Token))

	r.publish(t, 2)
	r.ring.Reset()
	assert.Equal(t, int64(0), r.broker.Info().Ready)
	assert.Equal(t, uint64(1), r.broker.Stats().Registry.Generation)

	r.publish(t, 3)
	next, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)

	if next.Slot == first.Slot {
		assert.NotSame(t, first.Planes[0].Handle, next.Planes[0].Handle)
	}
	assert.True(t, first.Planes[0].Handle.Alive())
	first.Release()
	assert.False(t, first.Planes[0].Handle.Alive())
}

func TestClose_WakesGrabAndReturnsFrames(t *testing.T) {
	r := newRig(t, 2)
	require.NoError(t, r.broker.Start(context.Background()))

	r.publish(t, 1)
	_, err := r.broker.Grab(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ring.Stats().Held)

	done := make(chan error, 1)
	go func() {
		_, err := r.broker.Grab(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.broker.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, framebroker.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked grab not woken by Close")
	}

	assert.Equal(t, 0, r.ring.Stats().Held, "outstanding frame returned")
	assert.Equal(t, int64(0), r.broker.Stats().Registry.Live)
	assert.Equal(t, 0, r.arena.Stats().Retained)
}
