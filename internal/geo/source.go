// Package geo provides device location streams for the driver agent.
package geo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"ordertrack/internal/protocol"
)

// DefaultInterval is used by the sources when Interval is not positive.
const DefaultInterval = time.Second

// Device errors.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("timeout")
)

// WatchOptions mirror what a device location API accepts.
type WatchOptions struct {
	HighAccuracy bool
	MaximumAge   time.Duration // 0 means never reuse a cached position
	Timeout      time.Duration
}

// Source is a continuous device location stream. Watch runs until ctx is
// cancelled or the device fails; in both cases the two channels are closed
// once the watch has released everything it holds.
type Source interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan protocol.Fix, <-chan error)
}

// RouteSource simulates a vehicle moving along straight legs between
// waypoints, emitting one fix per Interval.
type RouteSource struct {
	Waypoints []protocol.Fix
	Interval  time.Duration
	Steps     int  // fixes per leg
	Loop      bool // restart from the first waypoint at the end
	Now       func() time.Time
}

func (s *RouteSource) Watch(ctx context.Context, _ WatchOptions) (<-chan protocol.Fix, <-chan error) {
	fixes := make(chan protocol.Fix)
	errs := make(chan error, 1)
	go func() {
		defer close(fixes)
		defer close(errs)

		if len(s.Waypoints) == 0 {
			errs <- fmt.Errorf("%w: empty route", ErrPositionUnavailable)
			return
		}
		now := s.Now
		if now == nil {
			now = time.Now
		}
		ticker := time.NewTicker(interval(s.Interval))
		defer ticker.Stop()

		for {
			for _, f := range s.path() {
				f.Timestamp = now()
				select {
				case <-ctx.Done():
					return
				case fixes <- f:
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			if !s.Loop {
				return
			}
		}
	}()
	return fixes, errs
}

func (s *RouteSource) path() []protocol.Fix {
	steps := s.Steps
	if steps < 1 {
		steps = 1
	}
	if len(s.Waypoints) == 1 {
		return []protocol.Fix{s.Waypoints[0]}
	}
	path := make([]protocol.Fix, 0, (len(s.Waypoints)-1)*steps+1)
	for i := 0; i < len(s.Waypoints)-1; i++ {
		a, b := s.Waypoints[i], s.Waypoints[i+1]
		for k := 0; k < steps; k++ {
			t := float64(k) / float64(steps)
			path = append(path, protocol.Fix{
				Latitude:  a.Latitude + (b.Latitude-a.Latitude)*t,
				Longitude: a.Longitude + (b.Longitude-a.Longitude)*t,
			})
		}
	}
	return append(path, s.Waypoints[len(s.Waypoints)-1])
}

// ReplaySource replays "lat,lng" lines from Reader, one per Interval. Blank
// lines and lines starting with # are skipped. A line that does not parse
// ends the watch with ErrPositionUnavailable.
type ReplaySource struct {
	Reader   io.Reader
	Interval time.Duration
	Now      func() time.Time
}

func (s *ReplaySource) Watch(ctx context.Context, _ WatchOptions) (<-chan protocol.Fix, <-chan error) {
	fixes := make(chan protocol.Fix)
	errs := make(chan error, 1)
	go func() {
		defer close(fixes)
		defer close(errs)

		now := s.Now
		if now == nil {
			now = time.Now
		}
		ticker := time.NewTicker(interval(s.Interval))
		defer ticker.Stop()

		scanner := bufio.NewScanner(s.Reader)
		first := true
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			f, err := ParseLatLng(line)
			if err != nil {
				errs <- err
				return
			}
			if !first {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			first = false
			f.Timestamp = now()
			select {
			case <-ctx.Done():
				return
			case fixes <- f:
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
		}
	}()
	return fixes, errs
}

// ParseLatLng parses "lat,lng" into a validated fix.
func ParseLatLng(s string) (protocol.Fix, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return protocol.Fix{}, fmt.Errorf("%w: %q is not lat,lng", ErrPositionUnavailable, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return protocol.Fix{}, fmt.Errorf("%w: latitude: %v", ErrPositionUnavailable, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return protocol.Fix{}, fmt.Errorf("%w: longitude: %v", ErrPositionUnavailable, err)
	}
	f := protocol.Fix{Latitude: lat, Longitude: lng}
	if err := f.Validate(); err != nil {
		return protocol.Fix{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
	return f, nil
}

func interval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}
	return d
}
