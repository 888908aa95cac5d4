// Command viewer follows one order and prints the customer status line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ordertrack/internal/config"
	"ordertrack/internal/logger"
	"ordertrack/internal/viewer"
	"ordertrack/internal/wsclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "config file (default: ./ordertrack.* or /etc/ordertrack)")
		orderID    = flag.String("order", "", "order id to follow")
		url        = flag.String("url", "", "relay WebSocket URL (overrides client.url)")
	)
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stderr"})
	defer log.Sync()
	if *url != "" {
		cfg.Client.URL = *url
	}

	v := viewer.New(viewer.Options{
		Connect: viewer.WebSocket(wsclient.Options{
			URL:           cfg.Client.URL,
			ReconnectBase: cfg.Client.ReconnectBase,
			ReconnectMax:  cfg.Client.ReconnectMax,
			Logger:        log,
		}),
		StaleAfter: cfg.Client.StaleAfter,
		Logger:     log,
		OnUpdate:   render,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := v.Mount(ctx, *orderID); err != nil {
		return err
	}
	defer v.Unmount()
	<-ctx.Done()
	return nil
}

func render(s viewer.Snapshot) {
	line := s.Status
	if s.Location != nil {
		line += fmt.Sprintf(" (%.6f, %.6f)", s.Location.Latitude, s.Location.Longitude)
	}
	if s.Stale {
		line += " [stale]"
	}
	if !s.Connected {
		line += " [offline]"
	}
	fmt.Println(line)
}
