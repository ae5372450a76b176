// Package engine implements the frame synchronization engine: it consumes provider
// lifecycle events, maintains the ready/decoded counters and the frame-rate
// baseline, and offers the one blocking primitive of the broker, WaitForFrame.
//
// Notifier side (OnEvent) never blocks: it updates atomics and broadcasts a
// sync.Cond under a short critical section. Waiter side re-checks the
// condition after every wake, so spurious wakes are harmless.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

var (
	// ErrTimeout is returned when no frame became ready before the deadline.
	ErrTimeout = errors.New("framebroker: timed out waiting for frame")

	// ErrClosed is returned by waits interrupted by Close and by any wait after it.
	ErrClosed = errors.New("framebroker: broker closed")
)

// Counters are the consumer-visible frame counters.
type Counters struct {
	// Decoded is the cumulative number of frames announced since the last start.
	Decoded int64
	// Ready is the number of frames announced but not yet grabbed.
	Ready int64
}

// Stats extends Counters with the frame-rate diagnostics.
type Stats struct {
	Counters
	// FrameCount is the number of FrameReady events since the last start.
	FrameCount int64
	// Elapsed is the time between the baseline frame and the latest frame.
	Elapsed time.Duration
	// FPS is FrameCount/Elapsed, zero until two frames arrived.
	FPS float64
}

// Hooks let the owner react to lifecycle events without the engine knowing
// about the registry. Hooks run on the notification context and must not block.
type Hooks struct {
	// OnProviderGone runs on ProviderReset and ProviderUnregistered.
	OnProviderGone func(kind vframe.EventKind)
}

// Engine is the frame synchronization engine.
type Engine struct {
	ready   atomic.Int64
	decoded atomic.Int64

	// mu guards the cond, closed, and the baseline fields.
	mu         sync.Mutex
	cond       *sync.Cond
	closed     bool
	frameCount int64
	baseline   time.Time
	lastFrame  time.Time

	hooks Hooks
	now   func() time.Time
}

// New creates an engine with zeroed counters.
func New(hooks Hooks) *Engine {
	e := &Engine{hooks: hooks, now: time.Now}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// OnEvent processes one provider event (implements vframe.Receiver).
//
// Event table:
//
//	ProviderReset, ProviderUnregistered → ready = 0
//	ProviderRegistered                  → no-op
//	ProviderStarted                     → decoded = ready = frameCount = 0
//	QueryState                          → StateActive
//	FrameReady                          → ready++, decoded++, baseline, wake all
func (e *Engine) OnEvent(ev vframe.Event) vframe.State {
	switch ev.Kind {
	case vframe.EventProviderReset, vframe.EventProviderUnregistered:
		e.ready.Store(0)
		if e.hooks.OnProviderGone != nil {
			e.hooks.OnProviderGone(ev.Kind)
		}

	case vframe.EventProviderRegistered:

	case vframe.EventProviderStarted:
		e.mu.Lock()
		e.frameCount = 0
		e.decoded.Store(0)
		e.ready.Store(0)
		e.mu.Unlock()

	case vframe.EventQueryState:
		return vframe.StateActive

	case vframe.EventFrameReady:
		e.frameReady()
	}

	return vframe.StateNone
}

func (e *Engine) frameReady() {
	now := e.now()

	e.mu.Lock()
	e.ready.Add(1)
	e.decoded.Add(1)

	if e.frameCount == 0 {
		e.baseline = now
	}
	e.frameCount++
	e.lastFrame = now

	// Woken waiters re-acquire mu after we release it.
	e.cond.Broadcast()
	e.mu.Unlock()
}

// WaitForFrame returns nil as soon as at least one frame is ready.
//
// Returns immediately, without blocking, when the ready counter is already
// positive. Otherwise blocks until a FrameReady event, the timeout (ErrTimeout),
// ctx cancellation (ctx.Err()), or Close (ErrClosed). A closed engine returns
// ErrClosed even with frames still counted as ready.
//
// Designed for a single primary consumer; concurrent waiters are correct but
// not served fairly.
func (e *Engine) WaitForFrame(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if e.ready.Load() > 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Wake the cond when the deadline passes so the loop can observe it.
	stop := context.AfterFunc(waitCtx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.closed {
			return ErrClosed
		}
		if e.ready.Load() > 0 {
			return nil
		}
		if err := waitCtx.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		e.cond.Wait()
	}
}

// TakeReady decrements the ready counter after a successful grab.
// The counter never goes below zero: a reset between wait and grab wins.
func (e *Engine) TakeReady() {
	for {
		n := e.ready.Load()
		if n <= 0 {
			return
		}
		if e.ready.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Counters returns the current counters without blocking.
func (e *Engine) Counters() Counters {
	return Counters{
		Decoded: e.decoded.Load(),
		Ready:   e.ready.Load(),
	}
}

// Stats returns counters plus the frame-rate diagnostics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	count := e.frameCount
	elapsed := e.lastFrame.Sub(e.baseline)
	e.mu.Unlock()

	s := Stats{
		Counters:   e.Counters(),
		FrameCount: count,
	}
	if count > 1 && elapsed > 0 {
		s.Elapsed = elapsed
		s.FPS = float64(count-1) / elapsed.Seconds()
	}
	return s
}

// Close wakes every waiter with ErrClosed. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Broadcast()
		slog.Debug("engine: closed", "decoded", e.decoded.Load(), "ready", e.ready.Load())
	}
	e.mu.Unlock()
}
