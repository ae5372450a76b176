// Package broker assembles the broker core: engine, handle registry and
// control surface, registered with one provider under one receiver name.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// DefaultReceiverName is the name the broker registers with its provider.
const DefaultReceiverName = "vfm_grabber"

var (
	// ErrNotStarted is returned by Grab before Start.
	ErrNotStarted = errors.New("framebroker: broker not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("framebroker: broker already started")
)

// Options configures a broker.
type Options struct {
	// ReceiverName is registered with the provider (default "vfm_grabber").
	ReceiverName string
	// SlotCapacity sizes the frame slot table (default 64).
	SlotCapacity int
}

// Stats aggregates the component snapshots.
type Stats struct {
	Started  bool
	Engine   engine.Stats
	Registry registry.Stats
	Control  control.Stats
}

// Broker is the assembled broker core.
type Broker struct {
	opts     Options
	provider vframe.Provider

	engine   *engine.Engine
	registry *registry.Registry
	surface  *control.Surface

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires a broker over provider. regions resolves plane references and
// backing pins their memory while handles exist.
func New(opts Options, provider vframe.Provider, regions vframe.RegionTable, backing registry.Backing) (*Broker, error) {
	if provider == nil {
		return nil, fmt.Errorf("framebroker: provider is required")
	}
	if regions == nil {
		return nil, fmt.Errorf("framebroker: region table is required")
	}
	if backing == nil {
		return nil, fmt.Errorf("framebroker: backing is required")
	}
	if opts.SlotCapacity < 0 {
		return nil, fmt.Errorf("framebroker: invalid slot capacity %d", opts.SlotCapacity)
	}
	if opts.ReceiverName == "" {
		opts.ReceiverName = DefaultReceiverName
	}

	reg := registry.New(opts.SlotCapacity, backing)
	eng := engine.New(engine.Hooks{
		OnProviderGone: func(kind vframe.EventKind) {
			reg.InvalidateAll()
			slog.Info("framebroker: provider gone, handles invalidated", "event", kind.String())
		},
	})

	return &Broker{
		opts:     opts,
		provider: provider,
		engine:   eng,
		registry: reg,
		surface:  control.New(provider, regions, eng, reg),
	}, nil
}

// Start registers the engine with the provider.
func (b *Broker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return engine.ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}

	if err := b.provider.RegisterReceiver(b.opts.ReceiverName, b.engine); err != nil {
		return fmt.Errorf("framebroker: register receiver %q: %w", b.opts.ReceiverName, err)
	}
	b.started = true

	slog.Info("framebroker: started",
		"receiver", b.opts.ReceiverName,
		"slot_capacity", b.registry.Capacity(),
	)
	return nil
}

// Grab waits up to timeout for a frame and exports it.
func (b *Broker) Grab(ctx context.Context, timeout time.Duration) (*control.FrameHandleSet, error) {
	b.mu.Lock()
	started, closed := b.started, b.closed
	b.mu.Unlock()

	if closed {
		return nil, engine.ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}
	return b.surface.Grab(ctx, timeout)
}

// Info returns the frame counters without blocking.
func (b *Broker) Info() engine.Counters {
	return b.surface.Info()
}

// Put returns a grabbed frame to the provider. Unknown tokens are ignored.
func (b *Broker) Put(token uint64) bool {
	return b.surface.Put(token)
}

// InvalidateSlot releases the handles recorded for slot.
func (b *Broker) InvalidateSlot(slot int) error {
	return b.surface.InvalidateSlot(slot)
}

// Stats returns a snapshot of every component.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	started := b.started && !b.closed
	b.mu.Unlock()

	return Stats{
		Started:  started,
		Engine:   b.engine.Stats(),
		Registry: b.registry.Stats(),
		Control:  b.surface.Stats(),
	}
}

// Close unregisters from the provider, wakes waiters with ErrClosed, returns
// every outstanding frame and releases every handle. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		b.provider.UnregisterReceiver(b.opts.ReceiverName)
	}
	b.engine.Close()
	b.surface.Close()
	b.registry.Sweep()

	s := b.registry.Stats()
	slog.Info("framebroker: closed",
		"handles_created", s.Created,
		"handles_destroyed", s.Destroyed,
		"handles_live", s.Live,
	)
	return nil
}
