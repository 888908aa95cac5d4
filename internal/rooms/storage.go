package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/internal/events"
	"ordertrack/internal/logger"
	"ordertrack/internal/metrics"
	"ordertrack/internal/protocol"
)

var (
	ErrNotMember = errors.New("not a member of this room")
	ErrNotDriver = errors.New("only the driver may publish")
)

type Options struct {
	// IdleTTL evicts rooms with no join or publish for this long. 0 disables.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// OnEvict is called outside any lock with the members of an evicted room.
	OnEvict func(orderID string, members []Member)
	Bus     *events.Bus
	Metrics *metrics.Relay
	Logger  *zap.Logger
	Now     func() time.Time
}

// Store is the room registry. Rooms are kept in a sync.Map and each room has
// its own lock, so unrelated orders never contend.
type Store struct {
	rooms sync.Map // order id -> *Room
	opts  Options
	log   *zap.Logger
}

func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Store{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("rooms"),
	}
}

// Join puts m into the room for orderID with the given role, creating the room
// if needed. Repeating a join with the same role is a no-op. A driver join
// supersedes any other driver already in the room.
func (s *Store) Join(orderID string, m Member, role protocol.Role) JoinResult {
	for {
		v, ok := s.rooms.Load(orderID)
		if !ok {
			v, ok = s.rooms.LoadOrStore(orderID, newRoom(orderID, s.opts.Now()))
		}
		room := v.(*Room)

		room.mu.Lock()
		if room.closed {
			// Lost a race with the last leave; the closed room is already unmapped.
			room.mu.Unlock()
			continue
		}
		res := s.addLocked(room, m, role)
		res.Created = !ok
		room.mu.Unlock()

		if res.Created {
			s.opts.Metrics.RoomOpened()
			s.log.Debug("room created", zap.String("order_id", orderID))
		}
		return res
	}
}

func (s *Store) addLocked(room *Room, m Member, role protocol.Role) JoinResult {
	var res JoinResult
	id := m.ID()
	room.lastActive = s.opts.Now()

	if cur, ok := room.members[id]; ok && cur.role == role {
		return res
	}
	res.Changed = true

	if room.driverID == id && role != protocol.RoleDriver {
		room.driverID = ""
	}
	if role == protocol.RoleDriver {
		if prev, ok := room.members[room.driverID]; ok && room.driverID != id {
			delete(room.members, room.driverID)
			res.Superseded = prev.member
		}
		room.driverID = id
	}
	room.members[id] = membership{member: m, role: role}
	if len(room.members) > room.peak {
		room.peak = len(room.members)
	}
	return res
}

// Leave removes memberID from the room for orderID. The room is deleted when
// its last member leaves. It reports whether the member was present.
func (s *Store) Leave(orderID, memberID string) bool {
	v, ok := s.rooms.Load(orderID)
	if !ok {
		return false
	}
	room := v.(*Room)

	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return false
	}
	if _, ok := room.members[memberID]; !ok {
		room.mu.Unlock()
		return false
	}
	delete(room.members, memberID)
	if room.driverID == memberID {
		room.driverID = ""
	}
	var closed *events.RoomClosed
	if len(room.members) == 0 {
		ev := s.closeLocked(room, events.ReasonEmpty)
		closed = &ev
	}
	room.mu.Unlock()

	if closed != nil {
		s.roomClosed(*closed)
	}
	return true
}

// closeLocked marks room closed and unmaps it. Must hold room.mu.
func (s *Store) closeLocked(room *Room, reason string) events.RoomClosed {
	room.closed = true
	room.current = nil
	s.rooms.CompareAndDelete(room.OrderID, room)
	ev := events.RoomClosed{
		OrderID:     room.OrderID,
		OpenedAt:    room.createdAt,
		ClosedAt:    s.opts.Now(),
		Publishes:   room.publishes,
		PeakMembers: room.peak,
		Reason:      reason,
	}
	room.members = make(map[string]membership)
	room.driverID = ""
	return ev
}

func (s *Store) roomClosed(ev events.RoomClosed) {
	s.opts.Metrics.RoomClosed(ev.Reason)
	s.log.Debug("room closed",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", ev.Reason),
		zap.Uint64("publishes", ev.Publishes),
	)
	if s.opts.Bus != nil && !s.opts.Bus.EmitRoomClosed(ev) {
		s.log.Warn("event bus full, dropping room closed event", zap.String("order_id", ev.OrderID))
	}
}

// Publish records fix as the room's current location and queues msg to every
// member except the sender. encode builds the wire message from the sequence
// number assigned to this publish. The sender must be the room's driver.
func (s *Store) Publish(orderID, senderID string, fix protocol.Fix, encode func(seq uint64) ([]byte, error)) (PublishResult, error) {
	v, ok := s.rooms.Load(orderID)
	if !ok {
		return PublishResult{}, ErrNotMember
	}
	room := v.(*Room)

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return PublishResult{}, ErrNotMember
	}
	sender, ok := room.members[senderID]
	if !ok {
		return PublishResult{}, ErrNotMember
	}
	if sender.role != protocol.RoleDriver {
		return PublishResult{}, ErrNotDriver
	}

	seq := room.seq + 1
	msg, err := encode(seq)
	if err != nil {
		return PublishResult{}, fmt.Errorf("encoding fix: %w", err)
	}
	room.seq = seq
	room.publishes++
	room.lastActive = s.opts.Now()
	f := fix
	room.current = &f

	res := PublishResult{Seq: seq}
	for id, m := range room.members {
		if id == senderID {
			continue
		}
		if m.member.Send(msg) {
			res.Delivered++
		} else {
			res.Dropped++
		}
	}
	return res, nil
}

func (s *Store) Get(orderID string) (Stats, bool) {
	v, ok := s.rooms.Load(orderID)
	if !ok {
		return Stats{}, false
	}
	room := v.(*Room)
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return Stats{}, false
	}
	return room.statsLocked(), true
}

func (s *Store) List() []Stats {
	var list []Stats
	s.rooms.Range(func(_, v any) bool {
		room := v.(*Room)
		room.mu.Lock()
		if !room.closed {
			list = append(list, room.statsLocked())
		}
		room.mu.Unlock()
		return true
	})
	return list
}

// Len returns the number of live rooms.
func (s *Store) Len() int {
	n := 0
	s.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep evicts rooms idle for longer than IdleTTL and returns how many it removed.
func (s *Store) Sweep() int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	now := s.opts.Now()
	evicted := 0
	s.rooms.Range(func(_, v any) bool {
		room := v.(*Room)
		room.mu.Lock()
		if room.closed || now.Sub(room.lastActive) <= s.opts.IdleTTL {
			room.mu.Unlock()
			return true
		}
		members := make([]Member, 0, len(room.members))
		for _, m := range room.members {
			members = append(members, m.member)
		}
		ev := s.closeLocked(room, events.ReasonIdle)
		room.mu.Unlock()

		evicted++
		s.roomClosed(ev)
		s.log.Info("evicted idle room",
			zap.String("order_id", ev.OrderID),
			zap.Int("members", len(members)),
		)
		if s.opts.OnEvict != nil {
			s.opts.OnEvict(ev.OrderID, members)
		}
		return true
	})
	return evicted
}

// Run sweeps idle rooms every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
