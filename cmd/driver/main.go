// Command driver broadcasts a courier's position for one order. Without
// -replay it drives a demo route.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ordertrack/internal/auth"
	"ordertrack/internal/config"
	"ordertrack/internal/driver"
	"ordertrack/internal/geo"
	"ordertrack/internal/logger"
	"ordertrack/internal/protocol"
	"ordertrack/internal/wsclient"
)

var demoRoute = []protocol.Fix{
	{Latitude: 5.6000, Longitude: -0.2000},
	{Latitude: 5.6037, Longitude: -0.1870},
	{Latitude: 5.6145, Longitude: -0.1820},
	{Latitude: 5.6210, Longitude: -0.1735},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "config file (default: ./ordertrack.* or /etc/ordertrack)")
		orderID    = flag.String("order", "", "order id to broadcast for")
		url        = flag.String("url", "", "relay WebSocket URL (overrides client.url)")
		token      = flag.String("token", "", "driver token (overrides client.driver_token)")
		replay     = flag.String("replay", "", `file of "lat,lng" lines to replay instead of the demo route`)
		interval   = flag.Duration("interval", 2*time.Second, "time between fixes")
	)
	flag.Parse()
	if *interval <= 0 {
		return fmt.Errorf("-interval must be positive, got %s", *interval)
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stderr"})
	defer log.Sync()

	if *url != "" {
		cfg.Client.URL = *url
	}
	if *token != "" {
		cfg.Client.DriverToken = *token
	}
	// Sharing the relay's secret lets a local driver mint its own token.
	if cfg.Client.DriverToken == "" && cfg.Relay.DriverTokenSecret != "" {
		tokens := auth.NewDriverTokens(cfg.Relay.DriverTokenSecret)
		cfg.Client.DriverToken, err = tokens.Issue(*orderID, uuid.NewString(), 12*time.Hour)
		if err != nil {
			return err
		}
	}

	var src geo.Source = &geo.RouteSource{Waypoints: demoRoute, Interval: *interval, Steps: 10, Loop: true}
	if *replay != "" {
		f, err := os.Open(*replay)
		if err != nil {
			return fmt.Errorf("opening replay file: %w", err)
		}
		defer f.Close()
		src = &geo.ReplaySource{Reader: f, Interval: *interval}
	}

	agent := driver.New(driver.Options{
		Connect: driver.WebSocket(wsclient.Options{
			URL:           cfg.Client.URL,
			ReconnectBase: cfg.Client.ReconnectBase,
			ReconnectMax:  cfg.Client.ReconnectMax,
			Logger:        log,
		}),
		Source:     src,
		FixTimeout: max(cfg.Client.FixTimeout, 2**interval),
		Token:      cfg.Client.DriverToken,
		Logger:     log,
		OnChange: func(s driver.Snapshot) {
			fmt.Printf("[%s] %s\n", s.State, s.Status)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx, *orderID); err != nil {
		return err
	}
	<-agent.Done()

	snap := agent.Snapshot()
	log.Info("driver finished", zap.String("order_id", snap.OrderID), zap.Int("published", snap.Published))
	return snap.Err
}
