package rooms

import (
	"sync"
	"time"

	"ordertrack/internal/protocol"
)

// Member is a connection that can sit in a room. Send must not block: it
// queues msg and reports false when the message was dropped.
type Member interface {
	ID() string
	Send(msg []byte) bool
}

type membership struct {
	member Member
	role   protocol.Role
}

// Room is the live state of one order. All fields are guarded by mu.
type Room struct {
	OrderID string

	mu         sync.Mutex
	members    map[string]membership
	driverID   string
	current    *protocol.Fix
	seq        uint64
	publishes  uint64
	peak       int
	createdAt  time.Time
	lastActive time.Time
	closed     bool
}

func newRoom(orderID string, now time.Time) *Room {
	return &Room{
		OrderID:    orderID,
		members:    make(map[string]membership),
		createdAt:  now,
		lastActive: now,
	}
}

// Stats is a point-in-time view of a room. It never includes the location.
type Stats struct {
	OrderID    string    `json:"orderId"`
	Members    int       `json:"members"`
	Drivers    int       `json:"drivers"`
	Viewers    int       `json:"viewers"`
	Publishes  uint64    `json:"publishes"`
	HasFix     bool      `json:"hasFix"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

func (r *Room) statsLocked() Stats {
	s := Stats{
		OrderID:    r.OrderID,
		Members:    len(r.members),
		Publishes:  r.publishes,
		HasFix:     r.current != nil,
		CreatedAt:  r.createdAt,
		LastActive: r.lastActive,
	}
	for _, m := range r.members {
		if m.role == protocol.RoleDriver {
			s.Drivers++
		} else {
			s.Viewers++
		}
	}
	return s
}

// JoinResult describes what a Join changed.
type JoinResult struct {
	Created    bool   // the room did not exist before this join
	Changed    bool   // membership or role changed
	Superseded Member // previous driver replaced by this join, if any
}

// PublishResult describes one accepted publish.
type PublishResult struct {
	Seq       uint64
	Delivered int
	Dropped   int
}
