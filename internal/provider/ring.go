// Package provider holds the slot ring every frame provider is built on: a
// fixed set of frame slots whose canvases live in the arena, a free list, a
// ready FIFO, and the receiver registry that lifecycle events flow to.
//
// Ownership of a slot moves free → producer (Publish fills it) → ready →
// consumer (Acquire) → free (Return). The ring never blocks the producer:
// when no slot is free the new frame is dropped.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// ErrDuplicateReceiver is returned when a receiver name is already registered.
var ErrDuplicateReceiver = errors.New("provider: receiver already registered")

// Allocator reserves plane memory. Implemented by arena.Arena.
type Allocator interface {
	Allocate(width, height, length int) (vframe.RegionID, error)
	Bytes(id vframe.RegionID) ([]byte, error)
}

// RingConfig sizes the ring.
type RingConfig struct {
	// Name identifies the provider in logs.
	Name   string
	Slots  int
	Format vframe.Format
	Width  int
	Height int
}

// Meta is per-frame metadata supplied by the producer.
type Meta struct {
	PTS time.Duration
	// CropWidth and CropHeight default to the ring geometry when zero.
	CropWidth  int
	CropHeight int
}

// FillFunc writes one frame into the slot's planes. planes[p] is the full
// plane mapping; a returned error drops the frame.
type FillFunc func(planes [][]byte) error

// RingStats is a snapshot of ring activity.
type RingStats struct {
	Published uint64
	Dropped   uint64
	Free      int
	Ready     int
	Held      int
}

type slotState int

const (
	slotFree slotState = iota
	slotFilling
	slotReady
	slotHeld
)

type ringSlot struct {
	frame  vframe.Frame
	planes [][]byte
	state  slotState
}

// Ring is the slot ring.
type Ring struct {
	cfg RingConfig

	mu     sync.Mutex
	slots  []*ringSlot
	free   []int
	ready  []int
	closed bool

	// filling counts Publish calls writing into slot memory.
	filling sync.WaitGroup

	rmu       sync.RWMutex
	receivers map[string]vframe.Receiver

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewRing allocates every slot's canvases up front.
//
// Canvas geometry: luma is width×height; each chroma canvas is registered
// with the luma geometry and sized width×height/2.
func NewRing(cfg RingConfig, alloc Allocator) (*Ring, error) {
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("provider: slots must be positive, got %d", cfg.Slots)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("provider: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	n := cfg.Format.PlaneCount()
	if n == 0 {
		return nil, fmt.Errorf("provider: unsupported format %s", cfg.Format)
	}
	if cfg.Name == "" {
		cfg.Name = "provider"
	}

	r := &Ring{
		cfg:       cfg,
		slots:     make([]*ringSlot, cfg.Slots),
		free:      make([]int, 0, cfg.Slots),
		ready:     make([]int, 0, cfg.Slots),
		receivers: make(map[string]vframe.Receiver),
	}

	luma := cfg.Width * cfg.Height
	for i := range r.slots {
		s := &ringSlot{
			frame: vframe.Frame{
				Index:  i,
				Format: cfg.Format,
				Width:  cfg.Width,
				Height: cfg.Height,
			},
			planes: make([][]byte, n),
		}
		for p := 0; p < n; p++ {
			length := luma
			if p > 0 {
				length = luma / 2
			}
			id, err := alloc.Allocate(cfg.Width, cfg.Height, length)
			if err != nil {
				return nil, fmt.Errorf("provider: allocate slot %d plane %d: %w", i, p, err)
			}
			mem, err := alloc.Bytes(id)
			if err != nil {
				return nil, fmt.Errorf("provider: map slot %d plane %d: %w", i, p, err)
			}
			s.frame.Canvas[p] = id
			s.planes[p] = mem
		}
		r.slots[i] = s
		r.free = append(r.free, i)
	}

	slog.Info("provider: ring allocated",
		"provider", cfg.Name,
		"slots", cfg.Slots,
		"format", cfg.Format.String(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	)

	return r, nil
}

// Config returns the ring configuration.
func (r *Ring) Config() RingConfig { return r.cfg }

// RegisterReceiver implements vframe.Provider. The receiver is told
// ProviderRegistered right away.
func (r *Ring) RegisterReceiver(name string, recv vframe.Receiver) error {
	if name == "" {
		return fmt.Errorf("provider: receiver name is required")
	}
	if recv == nil {
		return fmt.Errorf("provider: receiver is nil")
	}

	r.rmu.Lock()
	if _, ok := r.receivers[name]; ok {
		r.rmu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateReceiver, name)
	}
	r.receivers[name] = recv
	r.rmu.Unlock()

	recv.OnEvent(vframe.Event{Kind: vframe.EventProviderRegistered, Payload: r.cfg.Name})

	// A late receiver still needs to know whether it is wanted.
	if recv.OnEvent(vframe.Event{Kind: vframe.EventQueryState}) != vframe.StateActive {
		slog.Debug("provider: receiver registered inactive", "provider", r.cfg.Name, "receiver", name)
	}

	slog.Info("provider: receiver registered", "provider", r.cfg.Name, "receiver", name)
	return nil
}

// UnregisterReceiver implements vframe.Provider. The receiver gets a final
// ProviderUnregistered event. Idempotent.
func (r *Ring) UnregisterReceiver(name string) {
	r.rmu.Lock()
	recv, ok := r.receivers[name]
	delete(r.receivers, name)
	r.rmu.Unlock()

	if !ok {
		return
	}
	recv.OnEvent(vframe.Event{Kind: vframe.EventProviderUnregistered, Payload: r.cfg.Name})
	slog.Info("provider: receiver unregistered", "provider", r.cfg.Name, "receiver", name)
}

func (r *Ring) notify(ev vframe.Event) {
	r.rmu.RLock()
	defer r.rmu.RUnlock()
	for _, recv := range r.receivers {
		recv.OnEvent(ev)
	}
}

// Start begins a fresh stream: queued frames are discarded, sequence numbers
// restart, and receivers get ProviderStarted. Slots held by consumers stay
// held until returned.
func (r *Ring) Start() {
	r.mu.Lock()
	r.discardReadyLocked()
	r.mu.Unlock()

	r.seq.Store(0)
	r.notify(vframe.Event{Kind: vframe.EventProviderStarted})
}

// Reset signals a reconfiguration: queued frames are discarded and receivers
// get ProviderReset.
func (r *Ring) Reset() {
	r.mu.Lock()
	n := r.discardReadyLocked()
	r.mu.Unlock()

	slog.Info("provider: reset", "provider", r.cfg.Name, "discarded", n)
	r.notify(vframe.Event{Kind: vframe.EventProviderReset})
}

func (r *Ring) discardReadyLocked() int {
	n := len(r.ready)
	for _, i := range r.ready {
		r.slots[i].state = slotFree
		r.free = append(r.free, i)
	}
	r.ready = r.ready[:0]
	return n
}

// Publish takes a free slot, lets fill write into it, queues it and announces
// FrameReady. Returns false when the frame was dropped (ring closed, no free
// slot or fill failure). fill is never called after Close.
func (r *Ring) Publish(meta Meta, fill FillFunc) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return false
	}
	if len(r.free) == 0 {
		r.mu.Unlock()
		n := r.dropped.Add(1)
		slog.Debug("provider: dropping frame, no free slot", "provider", r.cfg.Name, "dropped", n)
		return false
	}
	i := r.free[0]
	r.free = r.free[1:]
	s := r.slots[i]
	s.state = slotFilling
	r.filling.Add(1)
	r.mu.Unlock()

	// The slot is owned by the producer while filling: no lock needed.
	// A nil fill republishes whatever the slot already holds.
	if fill == nil {
		fill = func([][]byte) error { return nil }
	}
	err := fill(s.planes)
	r.filling.Done()
	if err != nil {
		r.mu.Lock()
		s.state = slotFree
		r.free = append(r.free, i)
		r.mu.Unlock()
		r.dropped.Add(1)
		slog.Warn("provider: fill failed, frame dropped", "provider", r.cfg.Name, "slot", i, "error", err)
		return false
	}

	s.frame.Seq = r.seq.Add(1)
	s.frame.PTS = meta.PTS
	s.frame.Timestamp = time.Now()
	s.frame.TraceID = uuid.NewString()
	s.frame.Width, s.frame.Height = r.cfg.Width, r.cfg.Height
	if meta.CropWidth > 0 && meta.CropHeight > 0 {
		s.frame.Width, s.frame.Height = meta.CropWidth, meta.CropHeight
	}

	r.mu.Lock()
	s.state = slotReady
	r.ready = append(r.ready, i)
	r.mu.Unlock()

	r.published.Add(1)
	r.notify(vframe.Event{Kind: vframe.EventFrameReady})
	return true
}

// Acquire implements vframe.Provider: pops the oldest ready frame.
func (r *Ring) Acquire() *vframe.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ready) == 0 {
		return nil
	}
	i := r.ready[0]
	r.ready = r.ready[1:]
	s := r.slots[i]
	s.state = slotHeld
	return &s.frame
}

// Return implements vframe.Provider. Frames that are not currently held are
// logged and ignored.
func (r *Ring) Return(f *vframe.Frame) {
	if f == nil || f.Index < 0 || f.Index >= len(r.slots) {
		slog.Warn("provider: return of unknown frame ignored", "provider", r.cfg.Name)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[f.Index]
	if &s.frame != f || s.state != slotHeld {
		slog.Warn("provider: return of frame not held ignored", "provider", r.cfg.Name, "slot", f.Index)
		return
	}
	s.state = slotFree
	r.free = append(r.free, f.Index)
}

// Stats returns a snapshot of ring activity.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := 0
	for _, s := range r.slots {
		if s.state == slotHeld {
			held++
		}
	}
	return RingStats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Free:      len(r.free),
		Ready:     len(r.ready),
		Held:      held,
	}
}

// Close stops publication, waits for fills in progress, then unregisters
// every receiver, each getting ProviderUnregistered. Once Close returns the
// ring no longer writes slot memory, so the backing allocator may be released.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.filling.Wait()

	r.rmu.RLock()
	names := make([]string, 0, len(r.receivers))
	for name := range r.receivers {
		names = append(names, name)
	}
	r.rmu.RUnlock()

	for _, name := range names {
		r.UnregisterReceiver(name)
	}
}
