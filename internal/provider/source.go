package provider

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// Source is a running frame provider: the ring contract plus a producer
// lifecycle.
//
// Implementations must guarantee:
//   - Start() returns once the producer is running; frames arrive asynchronously
//   - Stop() is idempotent
//   - Stats() is safe from any goroutine
type Source interface {
	vframe.Provider

	Start(ctx context.Context) error
	Stop() error
	Stats() RingStats
}
