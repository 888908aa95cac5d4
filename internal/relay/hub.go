// Package relay is the order-location relay hub. It accepts driver and viewer
// connections, keeps their room membership in a rooms.Store and fans each
// published fix out to the other members of the same order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/internal/auth"
	"ordertrack/internal/events"
	"ordertrack/internal/logger"
	"ordertrack/internal/metrics"
	"ordertrack/internal/protocol"
	"ordertrack/internal/rooms"
)

const (
	transportWS  = "ws"
	transportSSE = "sse"
)

type Options struct {
	SendBuffer     int
	ReadLimit      int64
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	AllowedOrigins []string
	Tokens         *auth.DriverTokens // nil accepts any driver join
	Bus            *events.Bus
	Metrics        *metrics.Relay
	Logger         *zap.Logger
	Now            func() time.Time
}

// Hub owns the room registry and every live connection.
type Hub struct {
	opts    Options
	rooms   *rooms.Store
	clients sync.Map // id -> *Client
	log     *zap.Logger
}

func NewHub(opts Options) *Hub {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 16
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("relay"),
	}
	h.rooms = rooms.NewStore(rooms.Options{
		IdleTTL:       opts.IdleTTL,
		SweepInterval: opts.SweepInterval,
		OnEvict:       h.evict,
		Bus:           opts.Bus,
		Metrics:       opts.Metrics,
		Logger:        opts.Logger,
		Now:           opts.Now,
	})
	return h
}

// Rooms exposes the registry for read-only inspection.
func (h *Hub) Rooms() *rooms.Store { return h.rooms }

// Run sweeps idle rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.rooms.Run(ctx)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.clients.Range(func(_, v any) bool {
		v.(*Client).shutdown()
		return true
	})
}

func (h *Hub) register(transport string) *Client {
	c := newClient(transport, h.opts.SendBuffer)
	h.clients.Store(c.id, c)
	h.opts.Metrics.ConnectionOpened(transport)
	h.log.Debug("client connected", zap.String("conn_id", c.id), zap.String("transport", transport))
	return c
}

// unregister drops c from the last room it joined and from the hub. The room
// registry decides whether c is still a member there.
func (h *Hub) unregister(c *Client) {
	if orderID := c.takeOrder(); orderID != "" {
		h.rooms.Leave(orderID, c.id)
	}
	c.shutdown()
	if _, loaded := h.clients.LoadAndDelete(c.id); loaded {
		h.opts.Metrics.ConnectionClosed(c.transport)
		h.log.Debug("client disconnected", zap.String("conn_id", c.id))
	}
}

// handle processes one inbound message from c. Bad input is rejected back to
// c and never affects other clients.
func (h *Hub) handle(c *Client, msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		h.reject(c, protocol.CodeMalformed, err)
		return
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		var j protocol.JoinRoom
		if err := json.Unmarshal(env.Data, &j); err != nil {
			h.reject(c, protocol.CodeMalformed, err)
			return
		}
		h.join(c, j)
	case protocol.EventUpdateLocation:
		var u protocol.UpdateLocation
		if err := json.Unmarshal(env.Data, &u); err != nil {
			code := protocol.CodeMalformed
			if errors.Is(err, protocol.ErrInvalidFix) {
				code = protocol.CodeInvalidFix
			}
			h.reject(c, code, err)
			return
		}
		h.publish(c, u)
	default:
		h.reject(c, protocol.CodeUnknownEvent, protocol.ErrUnknownEvent)
	}
}

func (h *Hub) join(c *Client, j protocol.JoinRoom) {
	orderID, err := protocol.ValidateOrderID(j.OrderID)
	if err != nil {
		h.reject(c, protocol.CodeInvalidOrderID, err)
		return
	}
	role := j.Role
	if role == "" {
		role = protocol.RoleViewer
	}
	if role == protocol.RoleDriver {
		if _, err := h.opts.Tokens.Verify(j.Token, orderID); err != nil {
			h.reject(c, protocol.CodeUnauthorized, err)
			return
		}
	}

	if prev := c.OrderID(); prev != "" && prev != orderID {
		h.rooms.Leave(prev, c.id)
	}
	res := h.rooms.Join(orderID, c, role)
	c.setOrder(orderID)

	if res.Superseded != nil {
		// The old connection keeps its recorded room; Leave on disconnect is a
		// no-op once it is no longer a member.
		h.notify(res.Superseded, protocol.CodeSuperseded, "another driver connection joined this order")
		h.log.Info("driver superseded",
			zap.String("order_id", orderID),
			zap.String("conn_id", res.Superseded.ID()),
			zap.String("by", c.id),
		)
	}
	if res.Changed {
		h.opts.Metrics.Joined(string(role))
		h.log.Debug("joined room",
			zap.String("order_id", orderID),
			zap.String("conn_id", c.id),
			zap.String("role", string(role)),
			zap.Bool("created", res.Created),
		)
	}
}

func (h *Hub) publish(c *Client, u protocol.UpdateLocation) {
	orderID, err := protocol.ValidateOrderID(u.OrderID)
	if err != nil {
		h.reject(c, protocol.CodeInvalidOrderID, err)
		return
	}
	fix, err := u.Fix(h.opts.Now())
	if err != nil {
		h.reject(c, protocol.CodeInvalidFix, err)
		return
	}

	res, err := h.rooms.Publish(orderID, c.id, fix, func(seq uint64) ([]byte, error) {
		return protocol.Encode(protocol.EventLocationUpdated, protocol.LocationUpdated{
			Lat: fix.Latitude,
			Lng: fix.Longitude,
			TS:  fix.Timestamp.UnixMilli(),
			Seq: seq,
		})
	})
	switch {
	case errors.Is(err, rooms.ErrNotMember):
		h.reject(c, protocol.CodeNotMember, err)
		return
	case errors.Is(err, rooms.ErrNotDriver):
		h.reject(c, protocol.CodeNotDriver, err)
		return
	case err != nil:
		h.log.Error("publish failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}

	h.opts.Metrics.Published(res.Delivered, res.Dropped)
	if res.Dropped > 0 {
		h.log.Debug("fan-out dropped for slow members",
			zap.String("order_id", orderID),
			zap.Int("dropped", res.Dropped),
		)
	}
}

// reject logs a dropped event and reports it to the sender.
func (h *Hub) reject(c *Client, code string, err error) {
	h.opts.Metrics.Reject(code)
	h.log.Warn("dropped client event",
		zap.String("conn_id", c.id),
		zap.String("order_id", c.OrderID()),
		zap.String("code", code),
		zap.Error(err),
	)
	h.notify(c, code, err.Error())
}

func (h *Hub) notify(m rooms.Member, code, message string) {
	msg, err := protocol.Encode(protocol.EventError, protocol.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	m.Send(msg)
}

// evict is called by the registry for every member of an idle room.
func (h *Hub) evict(orderID string, members []rooms.Member) {
	for _, m := range members {
		h.notify(m, protocol.CodeRoomExpired, "room closed after inactivity")
		if c, ok := m.(*Client); ok {
			c.shutdown()
		}
	}
}
