// Package viewer is the customer side of order tracking. A Viewer joins an
// order's room, keeps the last known driver position and exposes a
// two-state status line for rendering.
package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/internal/logger"
	"ordertrack/internal/protocol"
	"ordertrack/internal/wsclient"
)

const (
	StatusWaiting  = "Waiting for driver…"
	StatusOnTheWay = "Driver is on the way!"
)

var ErrMounted = errors.New("viewer already mounted")

// Transport is the owned relay connection of one mounted viewer.
type Transport interface {
	Join(orderID string, role protocol.Role, token string) error
	Close() error
}

// Handlers are the callbacks a Transport delivers server traffic to.
type Handlers struct {
	OnEvent      func(protocol.Envelope)
	OnConnection func(connected bool)
}

type Snapshot struct {
	OrderID   string
	Status    string
	Location  *protocol.Fix // nil until the first fix
	Seq       uint64
	Connected bool
	Stale     bool
}

type Options struct {
	Connect func(ctx context.Context, h Handlers) (Transport, error)
	// StaleAfter marks the snapshot stale when no fix arrives for that long.
	// Zero disables it.
	StaleAfter time.Duration
	OnUpdate   func(Snapshot)
	Logger     *zap.Logger
}

// WebSocket returns a Connect func backed by a reconnecting relay client.
func WebSocket(opts wsclient.Options) func(ctx context.Context, h Handlers) (Transport, error) {
	return func(ctx context.Context, h Handlers) (Transport, error) {
		o := opts
		o.OnEvent = h.OnEvent
		o.OnConnection = h.OnConnection
		return wsclient.Dial(ctx, o), nil
	}
}

type Viewer struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	snap    Snapshot
	mounted bool
	t       Transport
	stale   *time.Timer
}

func New(opts Options) *Viewer {
	return &Viewer{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("viewer"),
	}
}

func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Mount opens a transport and joins orderID as a viewer.
func (v *Viewer) Mount(ctx context.Context, orderID string) error {
	id, err := protocol.ValidateOrderID(orderID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return ErrMounted
	}
	v.mounted = true
	v.snap = Snapshot{OrderID: id, Status: StatusWaiting}
	snap := v.snap
	v.mu.Unlock()
	v.emit(snap)

	t, err := v.opts.Connect(ctx, Handlers{OnEvent: v.handle, OnConnection: v.connection})
	if err != nil {
		v.mu.Lock()
		v.mounted = false
		v.mu.Unlock()
		return err
	}
	if err := t.Join(id, protocol.RoleViewer, ""); err != nil {
		t.Close()
		v.mu.Lock()
		v.mounted = false
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	v.t = t
	if v.opts.StaleAfter > 0 {
		v.stale = time.AfterFunc(v.opts.StaleAfter, v.markStale)
	}
	v.mu.Unlock()
	v.log.Debug("mounted", zap.String("order_id", id))
	return nil
}

// Unmount closes the transport and stops every timer. Events arriving after
// Unmount are ignored.
func (v *Viewer) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	t := v.t
	v.t = nil
	if v.stale != nil {
		v.stale.Stop()
		v.stale = nil
	}
	v.mu.Unlock()

	if t != nil {
		t.Close()
	}
	v.log.Debug("unmounted", zap.String("order_id", v.Snapshot().OrderID))
}

func (v *Viewer) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventLocationUpdated:
		lu, err := wsclient.DecodeLocation(env)
		if err != nil {
			v.log.Warn("dropping malformed location", zap.Error(err))
			return
		}
		v.Apply(lu)
	case protocol.EventError:
		e, err := wsclient.DecodeError(env)
		if err != nil {
			v.log.Warn("dropping malformed error event", zap.ByteString("data", env.Data), zap.Error(err))
			return
		}
		v.log.Warn("relay reported an error",
			zap.String("order_id", v.Snapshot().OrderID),
			zap.String("code", e.Code),
			zap.String("message", e.Message),
		)
	}
}

// Apply replaces the last known position with lu unless lu is older than the
// position already shown. It reports whether lu was applied.
func (v *Viewer) Apply(lu protocol.LocationUpdated) bool {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return false
	}
	if lu.Seq != 0 && lu.Seq <= v.snap.Seq {
		v.mu.Unlock()
		return false
	}
	fix := lu.Fix()
	v.snap.Location = &fix
	v.snap.Seq = lu.Seq
	v.snap.Status = StatusOnTheWay
	v.snap.Stale = false
	if v.stale != nil {
		v.stale.Reset(v.opts.StaleAfter)
	}
	snap := v.snap
	v.mu.Unlock()
	v.emit(snap)
	return true
}

func (v *Viewer) connection(connected bool) {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.snap.Connected = connected
	if connected {
		// A new connection is a new subscription; the relay may have
		// restarted its sequence.
		v.snap.Seq = 0
	}
	snap := v.snap
	v.mu.Unlock()
	v.emit(snap)
}

func (v *Viewer) markStale() {
	v.mu.Lock()
	if !v.mounted || v.snap.Stale {
		v.mu.Unlock()
		return
	}
	v.snap.Stale = true
	snap := v.snap
	v.mu.Unlock()
	v.emit(snap)
}

func (v *Viewer) emit(s Snapshot) {
	if v.opts.OnUpdate != nil {
		v.opts.OnUpdate(s)
	}
}
