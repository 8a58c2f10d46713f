package region

// EventType is the closed set of lifecycle notifications a Region emits
type EventType uint8

const (
	// EventAdded is emitted after a value was inserted
	EventAdded EventType = iota
	// EventEvicted is emitted after a value was dropped due to capacity
	EventEvicted
	// EventRemoved is emitted after a value was explicitly invalidated
	EventRemoved
	// EventMissLoadDiscarded is emitted for a loaded value the region
	// decided not to retain
	EventMissLoadDiscarded
)

type (
	// Event describes one lifecycle transition of a value
	Event[K Key, V comparable] struct {
		Type   EventType
		Key    K
		Value  V
		Region string
	}

	// Listener receives lifecycle events
	Listener[K Key, V comparable] func(Event[K, V])
)

func (e EventType) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventEvicted:
		return "evicted"
	case EventRemoved:
		return "removed"
	case EventMissLoadDiscarded:
		return "miss-load-discarded"
	default:
		return "unknown"
	}
}
