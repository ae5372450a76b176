package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// recordingProvider remembers registrations and serves one slot.
type recordingProvider struct {
	mu           sync.Mutex
	registered   map[string]vframe.Receiver
	unregistered []string
	registerErr  error
	queue        []*vframe.Frame
	returned     int
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{registered: make(map[string]vframe.Receiver)}
}

func (p *recordingProvider) RegisterReceiver(name string, r vframe.Receiver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registerErr != nil {
		return p.registerErr
	}
	p.registered[name] = r
	return nil
}

func (p *recordingProvider) UnregisterReceiver(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registered, name)
	p.unregistered = append(p.unregistered, name)
}

func (p *recordingProvider) Acquire() *vframe.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f
}

func (p *recordingProvider) Return(*vframe.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned++
}

func (p *recordingProvider) receiver(name string) vframe.Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered[name]
}

// push queues a frame and notifies the registered receiver.
func (p *recordingProvider) push(name string, f *vframe.Frame) {
	p.mu.Lock()
	p.queue = append(p.queue, f)
	r := p.registered[name]
	p.mu.Unlock()
	r.OnEvent(vframe.Event{Kind: vframe.EventFrameReady})
}

type table struct{}

func (table) Lookup(id vframe.RegionID) (vframe.RegionInfo, bool) {
	return vframe.RegionInfo{ID: id, Addr: uint64(id) << 20, Width: 16, Height: 16}, true
}

type countingBacking struct {
	mu   sync.Mutex
	refs map[vframe.RegionID]int
}

func (b *countingBacking) Retain(id vframe.RegionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == nil {
		b.refs = make(map[vframe.RegionID]int)
	}
	b.refs[id]++
	return nil
}

func (b *countingBacking) Release(id vframe.RegionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[id]--
	if b.refs[id] == 0 {
		delete(b.refs, id)
	}
}

func (b *countingBacking) retained() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.refs)
}

func nv12Frame(slot int) *vframe.Frame {
	base := vframe.RegionID(2*slot + 1)
	return &vframe.Frame{
		Index:  slot,
		Canvas: [vframe.MaxPlanes]vframe.RegionID{base, base + 1},
		Format: vframe.FormatNV12,
		Width:  16,
		Height: 16,
	}
}

func TestNew_Validation(t *testing.T) {
	p := newRecordingProvider()
	b := &countingBacking{}

	tests := []struct {
		name string
		fn   func() (*Broker, error)
	}{
		{"nil provider", func() (*Broker, error) { return New(Options{}, nil, table{}, b) }},
		{"nil regions", func() (*Broker, error) { return New(Options{}, p, nil, b) }},
		{"nil backing", func() (*Broker, error) { return New(Options{}, p, table{}, nil) }},
		{"negative capacity", func() (*Broker, error) { return New(Options{SlotCapacity: -2}, p, table{}, b) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			assert.Error(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStart_RegistersDefaultReceiverName(t *testing.T) {
	p := newRecordingProvider()
	b, err := New(Options{}, p, table{}, &countingBacking{})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Start(context.Background()))
	assert.NotNil(t, p.receiver(DefaultReceiverName))
	assert.True(t, b.Stats().Started)
}

func TestStart_RegisterFailure(t *testing.T) {
	p := newRecordingProvider()
	p.registerErr = errors.New("busy")
	b, err := New(Options{ReceiverName: "cam0"}, p, table{}, &countingBacking{})
	require.NoError(t, err)
	defer b.Close()

	err = b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cam0")

	_, err = b.Grab(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStart_CancelledContext(t *testing.T) {
	b, err := New(Options{}, newRecordingProvider(), table{}, &countingBacking{})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Start(ctx), context.Canceled)
}

func TestProviderReset_BumpsGeneration(t *testing.T) {
	p := newRecordingProvider()
	b, err := New(Options{ReceiverName: "grabber"}, p, table{}, &countingBacking{})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Start(context.Background()))

	r := p.receiver("grabber")
	r.OnEvent(vframe.Event{Kind: vframe.EventProviderReset})
	r.OnEvent(vframe.Event{Kind: vframe.EventProviderUnregistered})

	assert.Equal(t, uint64(2), b.Stats().Registry.Generation)
}

func TestClose_UnregistersAndReleasesEverything(t *testing.T) {
	p := newRecordingProvider()
	backing := &countingBacking{}
	b, err := New(Options{ReceiverName: "grabber", SlotCapacity: 4}, p, table{}, backing)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	p.push("grabber", nv12Frame(0))
	set, err := b.Grab(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, set.Planes, 2)
	assert.Equal(t, 2, backing.retained())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, []string{"grabber"}, p.unregistered)
	assert.Equal(t, 1, p.returned, "outstanding frame returned")
	assert.Equal(t, 0, backing.retained())
	assert.False(t, b.Stats().Started)

	_, err = b.Grab(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, b.Start(context.Background()), engine.ErrClosed)
}

func TestClose_WithoutStartDoesNotUnregister(t *testing.T) {
	p := newRecordingProvider()
	b, err := New(Options{}, p, table{}, &countingBacking{})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Empty(t, p.unregistered)
}
