package events

import "time"

// RoomClosed is emitted when a room is torn down, either because its last
// member left or because it sat idle past the configured TTL.
type RoomClosed struct {
	OrderID     string
	OpenedAt    time.Time
	ClosedAt    time.Time
	Publishes   uint64
	PeakMembers int
	Reason      string
}

// Close reasons.
const (
	ReasonEmpty = "empty"
	ReasonIdle  = "idle"
)

type Bus struct {
	RoomsClosed chan RoomClosed
}

func NewBus(size int) *Bus {
	if size < 1 {
		size = 10
	}
	return &Bus{
		RoomsClosed: make(chan RoomClosed, size),
	}
}

// EmitRoomClosed queues ev without blocking. It reports false when the bus is
// nil or full and the event was dropped.
func (b *Bus) EmitRoomClosed(ev RoomClosed) bool {
	if b == nil {
		return false
	}
	select {
	case b.RoomsClosed <- ev:
		return true
	default:
		return false
	}
}

// Duration is how long the room existed.
func (ev RoomClosed) Duration() time.Duration {
	return ev.ClosedAt.Sub(ev.OpenedAt)
}
