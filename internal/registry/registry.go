// Package registry owns the frame slot table: the mapping from
// (frame slot, plane index) to an exported buffer Handle.
//
// Concurrency:
//   - Create and invalidate for one slot are serialized by that slot's lock.
//   - Lookups take the read lock and may run concurrently with each other.
//   - InvalidateAll only bumps an atomic generation, so it is safe to call
//     from the provider's notification context.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/plane"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// DefaultCapacity is the slot table size when none is configured.
const DefaultCapacity = 64

var (
	// ErrAllocation is returned when the backing region cannot be retained
	// for a new handle. Callers should back off and retry later.
	ErrAllocation = errors.New("framebroker: handle allocation failed")

	// ErrSlotOutOfRange is returned for a slot index at or beyond table capacity.
	ErrSlotOutOfRange = errors.New("framebroker: slot index out of range")
)

// Backing pins the memory behind a region while a handle views it.
type Backing interface {
	Retain(id vframe.RegionID) error
	Release(id vframe.RegionID)
}

// Stats is a snapshot of registry activity.
type Stats struct {
	// Live counts handles that are still referenced by anyone.
	Live int64
	// Created and Destroyed are lifetime totals.
	Created   uint64
	Destroyed uint64
	// Generation increments on every InvalidateAll.
	Generation uint64
}

type slotEntry struct {
	mu      sync.RWMutex
	handles [vframe.MaxPlanes]*Handle
}

// Registry is the buffer handle registry.
type Registry struct {
	slots   []slotEntry
	backing Backing

	generation atomic.Uint64
	live       atomic.Int64
	created    atomic.Uint64
	destroyed  atomic.Uint64
}

// New creates a registry with a fixed slot capacity.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int, backing Backing) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		slots:   make([]slotEntry, capacity),
		backing: backing,
	}
}

// Capacity returns the number of slots in the table.
func (r *Registry) Capacity() int { return len(r.slots) }

func (r *Registry) entry(slot int) (*slotEntry, error) {
	if slot < 0 || slot >= len(r.slots) {
		return nil, fmt.Errorf("%w: slot %d (capacity %d)", ErrSlotOutOfRange, slot, len(r.slots))
	}
	return &r.slots[slot], nil
}

// GetOrCreate returns the handle for (slot, p) when one exists, is alive,
// belongs to the current generation and wraps the same region. Otherwise the
// stale entry is dropped and a new handle is created and recorded.
//
// Idempotent per slot and plane: a provider that cycles through a small ring
// of physical slots gets the same handles back on every pass.
func (r *Registry) GetOrCreate(slot, p int, region plane.Region) (*Handle, error) {
	if p < 0 || p >= vframe.MaxPlanes {
		return nil, fmt.Errorf("%w: plane %d", plane.ErrInvalidPlane, p)
	}
	e, err := r.entry(slot)
	if err != nil {
		return nil, err
	}

	gen := r.generation.Load()

	// Fast path: read lock only.
	e.mu.RLock()
	h := e.handles[p]
	if h != nil && h.generation == gen && h.region == region && h.Alive() {
		e.mu.RUnlock()
		return h, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	h = e.handles[p]
	if h != nil && h.generation == gen && h.region == region && h.Alive() {
		e.mu.Unlock()
		return h, nil
	}

	stale := h
	e.handles[p] = nil

	if err := r.backing.Retain(region.ID); err != nil {
		e.mu.Unlock()
		if stale != nil {
			stale.Release()
		}
		return nil, fmt.Errorf("%w: slot %d plane %d: %v", ErrAllocation, slot, p, err)
	}

	h = newHandle(slot, p, region, gen, r.releaseOnLastReference)
	e.handles[p] = h
	e.mu.Unlock()

	r.live.Add(1)
	r.created.Add(1)

	// Dropped outside the slot lock: the last reference runs
	// releaseOnLastReference, which takes the same lock.
	if stale != nil {
		stale.Release()
	}

	slog.Debug("registry: handle created",
		"slot", slot,
		"plane", p,
		"handle_id", h.id,
		"region", region.ID,
		"addr", fmt.Sprintf("%#x", region.Addr),
		"length", region.Length,
	)

	return h, nil
}

// Lookup returns the handle currently recorded for (slot, p), or nil.
func (r *Registry) Lookup(slot, p int) *Handle {
	if p < 0 || p >= vframe.MaxPlanes {
		return nil
	}
	e, err := r.entry(slot)
	if err != nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles[p]
}

// Invalidate drops the registry's reference to every handle of slot and
// clears the entries. Handles still referenced by consumers stay valid for
// them but are no longer discoverable: the next GetOrCreate creates new ones.
func (r *Registry) Invalidate(slot int) error {
	e, err := r.entry(slot)
	if err != nil {
		return err
	}

	e.mu.Lock()
	dropped := e.handles
	e.handles = [vframe.MaxPlanes]*Handle{}
	e.mu.Unlock()

	n := 0
	for _, h := range dropped {
		if h != nil {
			h.Release()
			n++
		}
	}

	if n > 0 {
		slog.Debug("registry: slot invalidated", "slot", slot, "handles", n)
	}
	return nil
}

// InvalidateAll marks every recorded handle stale without taking any lock.
// Stale handles are replaced lazily by GetOrCreate; Sweep releases them eagerly.
func (r *Registry) InvalidateAll() {
	r.generation.Add(1)
}

// Sweep invalidates every slot. Used at broker teardown.
func (r *Registry) Sweep() {
	for slot := range r.slots {
		_ = r.Invalidate(slot)
	}
}

// releaseOnLastReference runs when a handle's count reaches zero. It clears
// the table entry only if the table still points at this exact handle, then
// releases the backing region.
func (r *Registry) releaseOnLastReference(h *Handle) {
	if e, err := r.entry(h.slot); err == nil {
		e.mu.Lock()
		if e.handles[h.plane] == h {
			e.handles[h.plane] = nil
		}
		e.mu.Unlock()
	}

	r.backing.Release(h.region.ID)
	r.live.Add(-1)
	r.destroyed.Add(1)

	slog.Debug("registry: handle released",
		"slot", h.slot,
		"plane", h.plane,
		"handle_id", h.id,
		"region", h.region.ID,
	)
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:       r.live.Load(),
		Created:    r.created.Load(),
		Destroyed:  r.destroyed.Load(),
		Generation: r.generation.Load(),
	}
}
