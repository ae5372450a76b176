package registry

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/plane"
)

// Handle is a reference-counted, shareable view over one plane region.
//
// Reference model:
//   - The registry holds one reference while the handle is discoverable by slot.
//   - Every consumer (in-process or across the sharing boundary) holds one more,
//     taken with Acquire and dropped with Release.
//   - When the count reaches zero the release callback passed at construction
//     runs exactly once and the handle is dead: Acquire fails from then on.
//
// A Handle never owns the slot nor the memory; it only keeps the backing region
// retained while alive.
type Handle struct {
	id         string
	slot       int
	plane      int
	region     plane.Region
	generation uint64

	refs      atomic.Int32
	onRelease func(*Handle)
}

func newHandle(slot, p int, region plane.Region, generation uint64, onRelease func(*Handle)) *Handle {
	h := &Handle{
		id:         uuid.NewString(),
		slot:       slot,
		plane:      p,
		region:     region,
		generation: generation,
		onRelease:  onRelease,
	}
	h.refs.Store(1)
	return h
}

// ID is the handle's stable identifier, used by transports to name it.
func (h *Handle) ID() string { return h.id }

// Slot returns the frame slot this handle was created for.
func (h *Handle) Slot() int { return h.slot }

// Plane returns the plane index this handle was created for.
func (h *Handle) Plane() int { return h.plane }

// Region returns the plane region this handle is a view over.
func (h *Handle) Region() plane.Region { return h.region }

// Generation returns the registry generation the handle was created in.
func (h *Handle) Generation() uint64 { return h.generation }

// Refs returns the current reference count (diagnostics only).
func (h *Handle) Refs() int32 { return h.refs.Load() }

// Alive reports whether the handle still has references.
func (h *Handle) Alive() bool { return h.refs.Load() > 0 }

// Acquire takes one more reference. Returns false if the handle is already
// destroyed; a dead handle is never resurrected.
func (h *Handle) Acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The last drop runs the release callback.
// Releasing a dead handle is a no-op.
func (h *Handle) Release() {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return
		}
		if h.refs.CompareAndSwap(n, n-1) {
			if n == 1 && h.onRelease != nil {
				h.onRelease(h)
			}
			return
		}
	}
}
