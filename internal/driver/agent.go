// Package driver runs the courier side of order tracking: it joins an order's
// room as the driver and publishes every device fix until stopped or until
// the device reports an error.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/internal/geo"
	"ordertrack/internal/logger"
	"ordertrack/internal/protocol"
	"ordertrack/internal/wsclient"
)

type State int

const (
	Idle State = iota
	Connecting
	Acquiring
	Broadcasting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Acquiring:
		return "acquiring"
	case Broadcasting:
		return "broadcasting"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	StatusConnecting = "Connecting…"
	StatusAcquiring  = "Acquiring location…"
	StatusStopped    = "Stopped"
)

var ErrRunning = errors.New("agent already running")

// Transport is the part of the relay connection the agent needs.
type Transport interface {
	Join(orderID string, role protocol.Role, token string) error
	Publish(orderID string, fix protocol.Fix) error
	Close() error
}

// Snapshot is what a driver UI renders.
type Snapshot struct {
	State     State
	OrderID   string
	Status    string
	Last      *protocol.Fix
	Err       error // set when Stopped by a failure
	Published int
}

type Options struct {
	Connect    func(ctx context.Context) (Transport, error)
	Source     geo.Source
	FixTimeout time.Duration
	Token      string
	OnChange   func(Snapshot)
	Logger     *zap.Logger
}

// WebSocket returns a Connect func that opens a reconnecting relay client.
func WebSocket(opts wsclient.Options) func(ctx context.Context) (Transport, error) {
	return func(ctx context.Context) (Transport, error) {
		return wsclient.Dial(ctx, opts), nil
	}
}

type Agent struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Agent {
	if opts.FixTimeout <= 0 {
		opts.FixTimeout = 5 * time.Second
	}
	return &Agent{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("driver"),
	}
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Done is closed when the current session has released its watch and
// transport. It is nil before the first Start.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Start begins broadcasting for orderID. It returns once the agent is
// Connecting; progress and failures are reported through snapshots.
func (a *Agent) Start(ctx context.Context, orderID string) error {
	id, err := protocol.ValidateOrderID(orderID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	switch a.snap.State {
	case Connecting, Acquiring, Broadcasting:
		a.mu.Unlock()
		return ErrRunning
	}
	prev := a.done
	a.mu.Unlock()
	if prev != nil {
		<-prev
	}

	a.mu.Lock()
	if a.snap.State != Idle && a.snap.State != Stopped {
		a.mu.Unlock()
		return ErrRunning
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.snap = Snapshot{State: Connecting, OrderID: id, Status: StatusConnecting}
	snap := a.snap
	a.mu.Unlock()
	a.emit(snap)

	a.log.Info("starting", zap.String("order_id", id))
	go a.run(sessionCtx, id, done)
	return nil
}

// Stop cancels the location watch and waits until the session has released
// everything it holds. It is a no-op when nothing is running.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Agent) run(ctx context.Context, orderID string, done chan struct{}) {
	defer close(done)
	err := a.session(ctx, orderID)
	a.finish(err)
}

func (a *Agent) session(ctx context.Context, orderID string) error {
	t, err := a.opts.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer t.Close()

	if err := t.Join(orderID, protocol.RoleDriver, a.opts.Token); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	a.update(func(s *Snapshot) {
		s.State = Acquiring
		s.Status = StatusAcquiring
	})

	watchCtx, cancelWatch := context.WithCancel(ctx)
	fixes, errs := a.opts.Source.Watch(watchCtx, geo.WatchOptions{
		HighAccuracy: true,
		MaximumAge:   0,
		Timeout:      a.opts.FixTimeout,
	})
	defer func() {
		cancelWatch()
		for range fixes {
		}
		for range errs {
		}
	}()

	timeout := time.NewTimer(a.opts.FixTimeout)
	defer timeout.Stop()

	devErrs := errs
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-devErrs:
			if !ok {
				devErrs = nil
				continue
			}
			return err
		case fix, ok := <-fixes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := <-errs; err != nil {
					return err
				}
				return fmt.Errorf("%w: location stream ended", geo.ErrPositionUnavailable)
			}
			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(a.opts.FixTimeout)
			a.broadcast(t, orderID, fix)
		case <-timeout.C:
			return geo.ErrTimeout
		}
	}
}

func (a *Agent) broadcast(t Transport, orderID string, fix protocol.Fix) {
	err := t.Publish(orderID, fix)
	if err != nil {
		a.log.Debug("publish dropped", zap.String("order_id", orderID), zap.Error(err))
	}
	a.update(func(s *Snapshot) {
		s.State = Broadcasting
		s.Status = fmt.Sprintf("Broadcasting %f, %f", fix.Latitude, fix.Longitude)
		f := fix
		s.Last = &f
		if err == nil {
			s.Published++
		}
	})
}

func (a *Agent) finish(err error) {
	a.update(func(s *Snapshot) {
		s.State = Stopped
		s.Err = err
		s.Status = statusFor(err)
	})
	if err != nil {
		a.log.Warn("stopped on error", zap.String("order_id", a.Snapshot().OrderID), zap.Error(err))
	} else {
		a.log.Info("stopped", zap.String("order_id", a.Snapshot().OrderID))
	}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusStopped
	case errors.Is(err, geo.ErrPermissionDenied),
		errors.Is(err, geo.ErrPositionUnavailable),
		errors.Is(err, geo.ErrTimeout):
		return "Location error: " + err.Error()
	default:
		return "Connection error: " + err.Error()
	}
}

func (a *Agent) update(fn func(*Snapshot)) {
	a.mu.Lock()
	fn(&a.snap)
	snap := a.snap
	a.mu.Unlock()
	a.emit(snap)
}

func (a *Agent) emit(s Snapshot) {
	if a.opts.OnChange != nil {
		a.opts.OnChange(s)
	}
}
