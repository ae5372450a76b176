// Package control implements the control surface: the grab / info / put
// orchestration that consumers drive, sitting on top of the engine, the plane
// resolver and the handle registry.
//
// Ordering rules:
//  1. Grab waits on the engine, then acquires from the provider, then
//     decrements the ready counter (only once a frame was actually obtained).
//  2. Planes are resolved and handles created while the frame is owned by the
//     surface; on failure the frame goes straight back to the provider.
//  3. Put returns the frame to the provider and leaves handles untouched so the
//     next occupant of the same slot reuses them.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	pointer "github.com/mattn/go-pointer"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/plane"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// ErrNoFrameAvailable is returned when the ready counter was positive but the
// provider had no frame to hand out. Benign race: retry once immediately.
var ErrNoFrameAvailable = errors.New("framebroker: no frame available")

// PlaneHandle is one exported plane of a grabbed frame.
type PlaneHandle struct {
	Handle *registry.Handle
	Region plane.Region
}

// FrameHandleSet is what a grab hands to the consumer.
type FrameHandleSet struct {
	// Token is the opaque reference presented back to Put.
	Token uint64

	Slot   int
	Format vframe.Format

	// Width, Height and Stride are the full buffer geometry (plane 0).
	Width  int
	Height int
	Stride int

	// CropWidth and CropHeight are the visible dimensions of this occupant.
	CropWidth  int
	CropHeight int

	PTS       time.Duration
	Timestamp time.Time
	Seq       uint64
	TraceID   string

	// Size is the total byte size of all planes.
	Size int

	Planes []PlaneHandle
}

// Retain takes one consumer reference on every plane handle. On failure the
// references already taken are dropped and false is returned.
func (s *FrameHandleSet) Retain() bool {
	for i, p := range s.Planes {
		if !p.Handle.Acquire() {
			for _, q := range s.Planes[:i] {
				q.Handle.Release()
			}
			return false
		}
	}
	return true
}

// Release drops the references taken by Retain.
func (s *FrameHandleSet) Release() {
	for _, p := range s.Planes {
		p.Handle.Release()
	}
}

// Stats is a snapshot of control surface activity.
type Stats struct {
	Grabs        uint64
	Puts         uint64
	RejectedPuts uint64
	NoFrame      uint64
	Timeouts     uint64
	Outstanding  int
}

// Surface is the control surface.
type Surface struct {
	provider vframe.Provider
	regions  vframe.RegionTable
	engine   *engine.Engine
	registry *registry.Registry

	// outstanding maps a token to the go-pointer reference of its frame.
	// Tokens come from nextToken and are never reissued.
	mu          sync.Mutex
	outstanding map[uint64]unsafe.Pointer
	nextToken   atomic.Uint64
	closed      atomic.Bool

	grabs        atomic.Uint64
	puts         atomic.Uint64
	rejectedPuts atomic.Uint64
	noFrame      atomic.Uint64
	timeouts     atomic.Uint64
}

// New wires a control surface over its collaborators.
func New(provider vframe.Provider, regions vframe.RegionTable, eng *engine.Engine, reg *registry.Registry) *Surface {
	return &Surface{
		provider:    provider,
		regions:     regions,
		engine:      eng,
		registry:    reg,
		outstanding: make(map[uint64]unsafe.Pointer),
	}
}

// Grab waits up to timeout for a frame, takes ownership of it and exports
// its planes.
//
// Errors: engine.ErrTimeout, engine.ErrClosed, ctx.Err(), ErrNoFrameAvailable,
// plane.ErrInvalidPlane, registry.ErrAllocation, registry.ErrSlotOutOfRange.
func (s *Surface) Grab(ctx context.Context, timeout time.Duration) (*FrameHandleSet, error) {
	if s.closed.Load() {
		return nil, engine.ErrClosed
	}

	if err := s.engine.WaitForFrame(ctx, timeout); err != nil {
		if errors.Is(err, engine.ErrTimeout) {
			s.timeouts.Add(1)
		}
		return nil, err
	}

	f := s.provider.Acquire()
	if f == nil {
		s.noFrame.Add(1)
		slog.Warn("control: ready counter positive but provider has no frame",
			"ready", s.engine.Counters().Ready,
		)
		return nil, ErrNoFrameAvailable
	}
	s.engine.TakeReady()

	set, err := s.export(f)
	if err != nil {
		s.provider.Return(f)
		slog.Error("control: failed to export frame, returned to provider",
			"slot", f.Index,
			"seq", f.Seq,
			"error", err,
		)
		return nil, err
	}

	set.Token = s.nextToken.Add(1)

	s.mu.Lock()
	if s.closed.Load() {
		// Close already drained outstanding.
		s.mu.Unlock()
		s.provider.Return(f)
		return nil, engine.ErrClosed
	}
	s.outstanding[set.Token] = pointer.Save(f)
	s.mu.Unlock()

	s.grabs.Add(1)

	slog.Debug("control: frame grabbed",
		"slot", set.Slot,
		"seq", set.Seq,
		"planes", len(set.Planes),
		"trace_id", set.TraceID,
	)

	return set, nil
}

func (s *Surface) export(f *vframe.Frame) (*FrameHandleSet, error) {
	regions, err := plane.ResolveAll(s.regions, f)
	if err != nil {
		return nil, err
	}

	set := &FrameHandleSet{
		Slot:       f.Index,
		Format:     f.Format,
		Width:      regions[0].Width,
		Height:     regions[0].Height,
		Stride:     regions[0].Stride,
		CropWidth:  f.Width,
		CropHeight: f.Height,
		PTS:        f.PTS,
		Timestamp:  f.Timestamp,
		Seq:        f.Seq,
		TraceID:    f.TraceID,
		Size:       plane.FrameSize(s.regions, f),
		Planes:     make([]PlaneHandle, 0, len(regions)),
	}

	for p, r := range regions {
		h, err := s.registry.GetOrCreate(f.Index, p, r)
		if err != nil {
			return nil, err
		}
		set.Planes = append(set.Planes, PlaneHandle{Handle: h, Region: r})
	}

	return set, nil
}

// Info returns the counters. Never blocks.
func (s *Surface) Info() engine.Counters {
	return s.engine.Counters()
}

// Put returns the frame identified by token to the provider.
//
// Tokens that do not belong to an outstanding grab (stale, already put, or
// foreign) are logged and ignored; the provider never sees them. Returns
// whether the token was accepted.
func (s *Surface) Put(token uint64) bool {
	s.mu.Lock()
	ptr, ok := s.outstanding[token]
	if ok {
		delete(s.outstanding, token)
	}
	s.mu.Unlock()

	if !ok {
		s.rejectedPuts.Add(1)
		slog.Warn("control: put_frame with unknown token, ignored",
			"token", fmt.Sprintf("%#x", token),
		)
		return false
	}

	f := s.release(ptr)
	s.provider.Return(f)
	s.puts.Add(1)

	slog.Debug("control: frame returned", "slot", f.Index, "seq", f.Seq)
	return true
}

// InvalidateSlot releases the registry's handles for slot on explicit
// consumer instruction.
func (s *Surface) InvalidateSlot(slot int) error {
	return s.registry.Invalidate(slot)
}

// Outstanding reports whether token belongs to a grab not yet put back.
func (s *Surface) Outstanding(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outstanding[token]
	return ok
}

// Close refuses further grabs and returns every outstanding frame to the
// provider. Idempotent.
func (s *Surface) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	pending := s.outstanding
	s.outstanding = make(map[uint64]unsafe.Pointer)
	s.mu.Unlock()

	for _, ptr := range pending {
		s.provider.Return(s.release(ptr))
	}

	if len(pending) > 0 {
		slog.Info("control: returned outstanding frames on close", "count", len(pending))
	}
}

// release restores the frame saved at grab time and frees its reference.
func (s *Surface) release(ptr unsafe.Pointer) *vframe.Frame {
	f := pointer.Restore(ptr).(*vframe.Frame)
	pointer.Unref(ptr)
	return f
}

// Stats returns a snapshot of surface counters.
func (s *Surface) Stats() Stats {
	s.mu.Lock()
	n := len(s.outstanding)
	s.mu.Unlock()

	return Stats{
		Grabs:        s.grabs.Load(),
		Puts:         s.puts.Load(),
		RejectedPuts: s.rejectedPuts.Load(),
		NoFrame:      s.noFrame.Load(),
		Timeouts:     s.timeouts.Load(),
		Outstanding:  n,
	}
}
