package framebroker

import (
	"context"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/plane"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// Collaborator contracts, re-exported from internal packages.
type (
	Frame       = vframe.Frame
	Format      = vframe.Format
	RegionID    = vframe.RegionID
	RegionInfo  = vframe.RegionInfo
	RegionTable = vframe.RegionTable
	Event       = vframe.Event
	EventKind   = vframe.EventKind
	State       = vframe.State
	Receiver    = vframe.Receiver
	Provider    = vframe.Provider
	Backing     = registry.Backing
)

// Broker output types, re-exported from internal packages.
type (
	FrameHandleSet = control.FrameHandleSet
	PlaneHandle    = control.PlaneHandle
	Handle         = registry.Handle
	Region         = plane.Region
	Counters       = engine.Counters
	Stats          = broker.Stats
)

// Config is re-exported from internal/broker.
// Zero value: receiver "vfm_grabber", 64 slots.
type Config = broker.Options

// Pixel formats.
const (
	FormatNV12   = vframe.FormatNV12
	FormatNV21   = vframe.FormatNV21
	FormatYUV420 = vframe.FormatYUV420
)

// Sentinel errors.
var (
	ErrInvalidPlane     = plane.ErrInvalidPlane
	ErrTimeout          = engine.ErrTimeout
	ErrClosed           = engine.ErrClosed
	ErrNoFrameAvailable = control.ErrNoFrameAvailable
	ErrAllocation       = registry.ErrAllocation
	ErrSlotOutOfRange   = registry.ErrSlotOutOfRange
	ErrNotStarted       = broker.ErrNotStarted
	ErrAlreadyStarted   = broker.ErrAlreadyStarted
)

// Broker is the public interface of the frame broker.
//
// Lifecycle: New() → Start() → Grab()/Info()/Put() → Close().
// All methods are safe for concurrent use; Grab is designed for one primary
// consumer (concurrent grabbers are correct but not served fairly).
type Broker interface {
	// Start registers the broker with its provider.
	Start(ctx context.Context) error

	// Grab blocks until a frame is ready (or timeout), takes ownership of it
	// and returns its exported planes. Returns immediately when a frame is
	// already ready.
	Grab(ctx context.Context, timeout time.Duration) (*FrameHandleSet, error)

	// Info returns {Decoded, Ready} without blocking.
	Info() Counters

	// Put hands a grabbed frame back to the provider. Handles are left in
	// place for reuse. Unknown or already returned tokens are logged and
	// ignored; the return value reports whether the token was accepted.
	Put(token uint64) bool

	// InvalidateSlot releases the handles recorded for a slot. Consumers
	// holding references keep valid handles until they release them.
	InvalidateSlot(slot int) error

	// Stats returns a snapshot of engine, registry and control counters.
	Stats() Stats

	// Close unregisters from the provider, wakes blocked grabs with ErrClosed,
	// returns outstanding frames and releases every handle. Idempotent.
	Close() error
}

// New creates a broker over provider.
//
// regions resolves plane region references; backing pins region memory while
// handles exist (an arena implements both).
func New(cfg Config, provider Provider, regions RegionTable, backing Backing) (Broker, error) {
	b, err := broker.New(cfg, provider, regions, backing)
	if err != nil {
		return nil, err
	}
	return b, nil
}
