// Package framebroker brokers decoded video frames between a frame provider
// and consumers that want zero-copy access to plane memory.
//
// # Philosophy
//
// "Hand out memory, never copy it. Every frame goes back."
//
// The broker does no pixel work. It waits for the provider to announce frames,
// takes ownership of one on request, exports each plane as a reference-counted
// buffer handle, and returns the frame to the provider when the consumer is
// done. Handles are reused as long as the provider keeps recycling the same
// physical slots, so a steady stream exports its memory once.
//
// # Architecture
//
//	provider ── events ──▶ engine (ready/decoded, wait)
//	    ▲                     │
//	    │ Acquire/Return      ▼
//	    └──────────── control surface ──▶ plane resolver ──▶ handle registry
//	                          │
//	                          ▼
//	                 transports (ipc: unix socket + fd passing, mqtt: JSON)
//
// # Basic Usage
//
//	b, err := framebroker.New(framebroker.Config{}, provider, regions, backing)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    set, err := b.Grab(ctx, time.Second)
//	    if errors.Is(err, framebroker.ErrTimeout) {
//	        continue
//	    }
//	    if err != nil {
//	        break
//	    }
//	    process(set)       // set.Planes[i].Region.Addr, Length, ...
//	    b.Put(set.Token)   // handles stay registered for the next occupant
//	}
//
// # Lifecycle Events
//
// A provider reset or unregistration clears the ready counter and makes every
// exported handle stale: the next grab of a slot creates fresh handles, while
// consumers still holding old ones keep them valid until they release them.
//
// # Errors
//
// All errors are sentinels matched with errors.Is: ErrTimeout, ErrClosed,
// ErrNotStarted, ErrNoFrameAvailable (benign race, retry), ErrInvalidPlane,
// ErrAllocation (back off) and ErrSlotOutOfRange.
package framebroker
