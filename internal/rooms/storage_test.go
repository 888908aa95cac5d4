package rooms

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordertrack/internal/events"
	"ordertrack/internal/protocol"
)

type fakeMember struct {
	id   string
	send chan []byte
}

func newMember(id string, size int) *fakeMember {
	return &fakeMember{id: id, send: make(chan []byte, size)}
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(msg []byte) bool {
	select {
	case m.send <- msg:
		return true
	default:
		return false
	}
}

func encodeFix(f protocol.Fix) func(uint64) ([]byte, error) {
	return func(seq uint64) ([]byte, error) {
		return protocol.Encode(protocol.EventLocationUpdated, protocol.LocationUpdated{
			Lat: f.Latitude, Lng: f.Longitude, Seq: seq,
		})
	}
}

func decode(t *testing.T, msg []byte) protocol.LocationUpdated {
	t.Helper()
	env, err := protocol.Decode(msg)
	require.NoError(t, err)
	require.Equal(t, protocol.EventLocationUpdated, env.Event)
	var lu protocol.LocationUpdated
	require.NoError(t, json.Unmarshal(env.Data, &lu))
	return lu
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewStore(t *testing.T) {
	s := NewStore(Options{})
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.List())
}

func TestStore_JoinCreatesRoomLazily(t *testing.T) {
	s := NewStore(Options{})
	v := newMember("v1", 4)

	res := s.Join("ORD-1", v, protocol.RoleViewer)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, s.Len())

	stats, ok := s.Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Members)
	assert.Equal(t, 1, stats.Viewers)
	assert.False(t, stats.HasFix)
}

func TestStore_JoinIsIdempotent(t *testing.T) {
	s := NewStore(Options{})
	v := newMember("v1", 4)

	s.Join("ORD-1", v, protocol.RoleViewer)
	res := s.Join("ORD-1", v, protocol.RoleViewer)
	assert.False(t, res.Created)
	assert.False(t, res.Changed)

	stats, _ := s.Get("ORD-1")
	assert.Equal(t, 1, stats.Members)
}

func TestStore_RejoinChangesRole(t *testing.T) {
	s := NewStore(Options{})
	c := newMember("c1", 4)

	s.Join("ORD-1", c, protocol.RoleViewer)
	res := s.Join("ORD-1", c, protocol.RoleDriver)
	assert.True(t, res.Changed)

	stats, ok := s.Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Drivers)
	assert.Equal(t, 0, stats.Viewers)
}

func TestStore_LastLeaveDeletesRoom(t *testing.T) {
	bus := events.NewBus(4)
	s := NewStore(Options{Bus: bus})
	d := newMember("d1", 4)
	v := newMember("v1", 4)

	s.Join("ORD-1", d, protocol.RoleDriver)
	s.Join("ORD-1", v, protocol.RoleViewer)
	_, err := s.Publish("ORD-1", "d1", protocol.Fix{Latitude: 1, Longitude: 2}, encodeFix(protocol.Fix{Latitude: 1, Longitude: 2}))
	require.NoError(t, err)

	assert.True(t, s.Leave("ORD-1", "d1"))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Leave("ORD-1", "v1"))
	assert.Equal(t, 0, s.Len())

	_, ok := s.Get("ORD-1")
	assert.False(t, ok, "a removed room holds no state")

	select {
	case ev := <-bus.RoomsClosed:
		assert.Equal(t, "ORD-1", ev.OrderID)
		assert.Equal(t, events.ReasonEmpty, ev.Reason)
		assert.Equal(t, uint64(1), ev.Publishes)
		assert.Equal(t, 2, ev.PeakMembers)
	default:
		t.Fatal("expected a room closed event")
	}

	assert.False(t, s.Leave("ORD-1", "v1"), "leaving a removed room is a no-op")
}

func TestStore_PublishFansOutToOthers(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 4)
	v1 := newMember("v1", 4)
	v2 := newMember("v2", 4)

	s.Join("ORD-2", d, protocol.RoleDriver)
	s.Join("ORD-2", v1, protocol.RoleViewer)
	s.Join("ORD-2", v2, protocol.RoleViewer)

	fix := protocol.Fix{Latitude: 5.6, Longitude: -0.2}
	res, err := s.Publish("ORD-2", "d1", fix, encodeFix(fix))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 0, res.Dropped)

	m1 := <-v1.send
	m2 := <-v2.send
	assert.Equal(t, m1, m2, "both viewers receive byte-identical payloads")
	assert.Equal(t, 5.6, decode(t, m1).Lat)

	select {
	case <-d.send:
		t.Fatal("driver should not receive its own fix")
	default:
	}
}

func TestStore_PublishRequiresDriver(t *testing.T) {
	s := NewStore(Options{})
	v := newMember("v1", 4)
	other := newMember("v2", 4)
	s.Join("ORD-1", v, protocol.RoleViewer)
	s.Join("ORD-1", other, protocol.RoleViewer)

	fix := protocol.Fix{Latitude: 1, Longitude: 1}
	_, err := s.Publish("ORD-1", "v1", fix, encodeFix(fix))
	assert.ErrorIs(t, err, ErrNotDriver)

	_, err = s.Publish("ORD-1", "stranger", fix, encodeFix(fix))
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = s.Publish("ORD-404", "v1", fix, encodeFix(fix))
	assert.ErrorIs(t, err, ErrNotMember)

	stats, ok := s.Get("ORD-1")
	require.True(t, ok)
	assert.False(t, stats.HasFix)
	assert.Zero(t, stats.Publishes)
	assert.Empty(t, other.send)
}

func TestStore_PublishWithNoViewers(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 4)
	s.Join("ORD-4", d, protocol.RoleDriver)

	fix := protocol.Fix{Latitude: 1, Longitude: 1}
	res, err := s.Publish("ORD-4", "d1", fix, encodeFix(fix))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
}

func TestStore_RoomIsolation(t *testing.T) {
	s := NewStore(Options{})
	d1 := newMember("d1", 4)
	d2 := newMember("d2", 4)
	v1 := newMember("v1", 4)
	v2 := newMember("v2", 4)

	s.Join("R1", d1, protocol.RoleDriver)
	s.Join("R1", v1, protocol.RoleViewer)
	s.Join("R2", d2, protocol.RoleDriver)
	s.Join("R2", v2, protocol.RoleViewer)

	fix := protocol.Fix{Latitude: 2, Longitude: 2}
	_, err := s.Publish("R2", "d2", fix, encodeFix(fix))
	require.NoError(t, err)

	assert.Empty(t, v1.send, "viewer in R1 must not see R2 fixes")
	assert.Len(t, v2.send, 1)

	_, err = s.Publish("R1", "d2", fix, encodeFix(fix))
	assert.ErrorIs(t, err, ErrNotMember, "a driver of R2 cannot publish into R1")
}

func TestStore_LastWriteWins(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 4)
	v := newMember("v1", 4)
	s.Join("ORD-1", d, protocol.RoleDriver)
	s.Join("ORD-1", v, protocol.RoleViewer)

	f1 := protocol.Fix{Latitude: 1, Longitude: 1}
	f2 := protocol.Fix{Latitude: 2, Longitude: 2}
	_, err := s.Publish("ORD-1", "d1", f1, encodeFix(f1))
	require.NoError(t, err)
	res, err := s.Publish("ORD-1", "d1", f2, encodeFix(f2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Seq)

	first, last := decode(t, <-v.send), decode(t, <-v.send)
	assert.Less(t, first.Seq, last.Seq)
	assert.Equal(t, 2.0, last.Lat)

	stats, ok := s.Get("ORD-1")
	require.True(t, ok)
	assert.True(t, stats.HasFix)
	assert.Equal(t, uint64(2), stats.Publishes)
}

func TestStore_JoinDoesNotReplay(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 4)
	s.Join("ORD-3", d, protocol.RoleDriver)
	fix := protocol.Fix{Latitude: 1, Longitude: 1}
	_, err := s.Publish("ORD-3", "d1", fix, encodeFix(fix))
	require.NoError(t, err)

	late := newMember("v1", 4)
	s.Join("ORD-3", late, protocol.RoleViewer)
	assert.Empty(t, late.send)
}

func TestStore_NewDriverSupersedes(t *testing.T) {
	s := NewStore(Options{})
	old := newMember("d-old", 4)
	fresh := newMember("d-new", 4)

	s.Join("ORD-1", old, protocol.RoleDriver)
	res := s.Join("ORD-1", fresh, protocol.RoleDriver)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, "d-old", res.Superseded.ID())

	stats, ok := s.Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Members)
	assert.Equal(t, 1, stats.Drivers)

	fix := protocol.Fix{Latitude: 1, Longitude: 1}
	_, err := s.Publish("ORD-1", "d-old", fix, encodeFix(fix))
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = s.Publish("ORD-1", "d-new", fix, encodeFix(fix))
	assert.NoError(t, err)
}

func TestStore_DropsForFullMember(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 1)
	slow := newMember("slow", 1)
	fast := newMember("fast", 4)
	s.Join("ORD-1", d, protocol.RoleDriver)
	s.Join("ORD-1", slow, protocol.RoleViewer)
	s.Join("ORD-1", fast, protocol.RoleViewer)

	slow.send <- []byte("filler")

	fix := protocol.Fix{Latitude: 1, Longitude: 1}
	res, err := s.Publish("ORD-1", "d1", fix, encodeFix(fix))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Dropped)
	assert.Len(t, fast.send, 1)
}

func TestStore_SweepEvictsIdleRooms(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var evicted []string
	var evictedMembers int
	s := NewStore(Options{
		IdleTTL: 10 * time.Minute,
		Now:     clk.Now,
		OnEvict: func(orderID string, members []Member) {
			evicted = append(evicted, orderID)
			evictedMembers += len(members)
		},
	})

	s.Join("idle", newMember("v1", 1), protocol.RoleViewer)
	s.Join("idle", newMember("v2", 1), protocol.RoleViewer)
	clk.Advance(8 * time.Minute)
	s.Join("busy", newMember("v3", 1), protocol.RoleViewer)
	clk.Advance(5 * time.Minute)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 2, evictedMembers)
	assert.Equal(t, 1, s.Len())

	// A member of the evicted room can rejoin into a fresh room.
	res := s.Join("idle", newMember("v1", 1), protocol.RoleViewer)
	assert.True(t, res.Created)
}

func TestStore_SweepDisabled(t *testing.T) {
	clk := &clock{now: time.Now()}
	s := NewStore(Options{Now: clk.Now})
	s.Join("ORD-3", newMember("v1", 1), protocol.RoleViewer)
	clk.Advance(24 * time.Hour)
	assert.Equal(t, 0, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestStore_ConcurrentJoinLeave(t *testing.T) {
	s := NewStore(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := fmt.Sprintf("ORD-%d", i%5)
			m := newMember(fmt.Sprintf("m%d", i), 4)
			for j := 0; j < 100; j++ {
				s.Join(order, m, protocol.RoleViewer)
				s.Leave(order, m.ID())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, s.Len(), "every room empties and is removed")
}

func TestStore_ConcurrentPublishAndMembership(t *testing.T) {
	s := NewStore(Options{})
	d := newMember("d1", 1)
	steady := newMember("steady", 1024)
	s.Join("ORD-1", d, protocol.RoleDriver)
	s.Join("ORD-1", steady, protocol.RoleViewer)

	const publishes = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < publishes; i++ {
			fix := protocol.Fix{Latitude: float64(i % 90), Longitude: 0}
			_, err := s.Publish("ORD-1", "d1", fix, encodeFix(fix))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < publishes; i++ {
			m := newMember(fmt.Sprintf("churn-%d", i), 1)
			s.Join("ORD-1", m, protocol.RoleViewer)
			s.Leave("ORD-1", m.ID())
		}
	}()
	wg.Wait()

	// The steady viewer saw every publish exactly once, in order.
	require.Len(t, steady.send, publishes)
	var last uint64
	for i := 0; i < publishes; i++ {
		lu := decode(t, <-steady.send)
		assert.Equal(t, last+1, lu.Seq)
		last = lu.Seq
	}
}
