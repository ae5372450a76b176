package synthetic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

type heapAllocator struct {
	next    vframe.RegionID
	regions map[vframe.RegionID][]byte
}

func (a *heapAllocator) Allocate(_, _, length int) (vframe.RegionID, error) {
	a.next++
	a.regions[a.next] = make([]byte, length)
	return a.next, nil
}

func (a *heapAllocator) Bytes(id vframe.RegionID) ([]byte, error) {
	return a.regions[id], nil
}

type counter struct {
	started atomic.Int32
	ready   atomic.Int32
}

func (c *counter) OnEvent(ev vframe.Event) vframe.State {
	switch ev.Kind {
	case vframe.EventProviderStarted:
		c.started.Add(1)
	case vframe.EventFrameReady:
		c.ready.Add(1)
	}
	return vframe.StateNone
}

func newRing(t *testing.T) *provider.Ring {
	t.Helper()
	r, err := provider.NewRing(provider.RingConfig{
		Name: "synthetic", Slots: 4, Format: vframe.FormatNV12, Width: 16, Height: 8,
	}, &heapAllocator{regions: make(map[vframe.RegionID][]byte)})
	require.NoError(t, err)
	return r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{FPS: 30})
	assert.Error(t, err)
	_, err = New(newRing(t), Config{FPS: 0})
	assert.Error(t, err)
}

func TestSource_PublishesFrames(t *testing.T) {
	src, err := New(newRing(t), Config{FPS: 200})
	require.NoError(t, err)

	c := &counter{}
	require.NoError(t, src.RegisterReceiver("rx", c))
	require.NoError(t, src.Start(context.Background()))
	assert.Error(t, src.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return c.ready.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	assert.Equal(t, int32(1), c.started.Load())

	f := src.Acquire()
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Positive(t, f.PTS)
	src.Return(f)
}

func TestFill_Pattern(t *testing.T) {
	planes := [][]byte{make([]byte, 16*8), make([]byte, 16*8/2)}
	Fill(planes, 16, 8, 3)

	assert.Equal(t, byte(3), planes[0][0])
	assert.Equal(t, byte(1+2+3), planes[0][2*16+1])
	assert.Equal(t, byte(128+3-32), planes[1][5])
}
