package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ordertrack/internal/auth"
	"ordertrack/internal/config"
	"ordertrack/internal/db"
	"ordertrack/internal/events"
	"ordertrack/internal/logger"
	"ordertrack/internal/metrics"
	"ordertrack/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	defer log.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &Server{Log: log, Registry: reg}

	// Optional database connection
	var bus *events.Bus
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(cfg.DatabaseURL, log)
		if err != nil {
			log.Warn("database unavailable, running without session audit", zap.Error(err))
		} else {
			defer database.Close()
			if err := database.Migrate(); err != nil {
				log.Error("migration failed", zap.Error(err))
			}
			srv.DB = database
			bus = events.NewBus(256)
			g.Go(func() error {
				sessionBatchWriter(ctx, database, bus.RoomsClosed, log)
				return nil
			})
		}
	} else {
		log.Info("database.url not set, running without session audit")
	}

	tokens := auth.NewDriverTokens(cfg.Relay.DriverTokenSecret)
	if tokens == nil {
		log.Warn("relay.driver_token_secret not set, driver joins are not authenticated")
	}
	srv.Hub = relay.NewHub(relay.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		ReadLimit:      cfg.Relay.ReadLimit,
		IdleTTL:        cfg.Rooms.IdleTTL,
		SweepInterval:  cfg.Rooms.SweepInterval,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Tokens:         tokens,
		Bus:            bus,
		Metrics:        metrics.New(reg),
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", "http://localhost:"+cfg.Port), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		srv.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Routes builds the HTTP surface of the relay.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.Hub.ServeWS)
	mux.HandleFunc("GET /orders/{orderId}/events", s.Hub.ServeSSE)
	mux.HandleFunc("GET /orders/{orderId}/sessions", s.handleSessions)
	mux.HandleFunc("GET /rooms/{orderId}", s.handleRoom)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// sessionBatchWriter persists closed rooms in batches until ctx is done, then
// flushes what is left.
func sessionBatchWriter(ctx context.Context, database *db.DB, closed <-chan events.RoomClosed, log *zap.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]events.RoomClosed, 0, 50)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := database.BatchRecordSessions(batch); err != nil {
			log.Error("BatchRecordSessions failed", zap.Int("sessions", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-closed:
			batch = append(batch, ev)
			if len(batch) >= 50 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case ev := <-closed:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}
