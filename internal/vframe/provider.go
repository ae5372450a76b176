package vframe

// EventKind enumerates the provider lifecycle notifications.
type EventKind int

const (
	// EventProviderReset means the producer line was reconfigured.
	EventProviderReset EventKind = iota
	// EventProviderUnregistered means the producer went away.
	EventProviderUnregistered
	// EventProviderRegistered acknowledges a producer registration.
	EventProviderRegistered
	// EventProviderStarted marks the beginning of a fresh stream.
	EventProviderStarted
	// EventQueryState asks the receiver whether it is active.
	EventQueryState
	// EventFrameReady announces one more frame available through Acquire.
	EventFrameReady
)

// String returns a log-friendly event name.
func (k EventKind) String() string {
	switch k {
	case EventProviderReset:
		return "provider_reset"
	case EventProviderUnregistered:
		return "provider_unregistered"
	case EventProviderRegistered:
		return "provider_registered"
	case EventProviderStarted:
		return "provider_started"
	case EventQueryState:
		return "query_state"
	case EventFrameReady:
		return "frame_ready"
	default:
		return "unknown"
	}
}

// Event is a provider notification with an optional opaque payload.
type Event struct {
	Kind    EventKind
	Payload any
}

// State is a receiver's answer to an event.
type State int

const (
	// StateNone is returned for events that do not ask anything.
	StateNone State = iota
	// StateActive answers EventQueryState.
	StateActive
)

// Receiver consumes provider events.
//
// OnEvent runs on the provider's notification context: implementations MUST NOT
// block and MUST NOT allocate long-lived resources.
type Receiver interface {
	OnEvent(ev Event) State
}

// Provider is the frame-producing collaborator.
type Provider interface {
	// RegisterReceiver attaches a receiver under a name. Events flow to it
	// until UnregisterReceiver.
	RegisterReceiver(name string, r Receiver) error

	// UnregisterReceiver detaches the named receiver. Idempotent.
	UnregisterReceiver(name string)

	// Acquire pops the next ready frame without blocking.
	// Returns nil when no frame is ready.
	Acquire() *Frame

	// Return relinquishes a frame previously obtained through Acquire.
	Return(f *Frame)
}

// RegionInfo is the region table entry for one region.
type RegionInfo struct {
	ID     RegionID
	Addr   uint64
	Width  int
	Height int
}

// RegionTable resolves region references. Lookups are synchronous and
// side-effect free.
type RegionTable interface {
	Lookup(id RegionID) (RegionInfo, bool)
}
