package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/attendance"
	"github.com/ukydev/schoolbus-dispatch/internal/auth"
	"github.com/ukydev/schoolbus-dispatch/internal/backend"
	"github.com/ukydev/schoolbus-dispatch/internal/config"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/directions"
	"github.com/ukydev/schoolbus-dispatch/internal/feed"
	"github.com/ukydev/schoolbus-dispatch/internal/handlers"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
	"github.com/ukydev/schoolbus-dispatch/internal/ingest"
	"github.com/ukydev/schoolbus-dispatch/internal/lifecycle"
	"github.com/ukydev/schoolbus-dispatch/internal/logging"
	"github.com/ukydev/schoolbus-dispatch/internal/metrics"
	"github.com/ukydev/schoolbus-dispatch/internal/middleware"
	"github.com/ukydev/schoolbus-dispatch/internal/profiling"
	"github.com/ukydev/schoolbus-dispatch/internal/reassign"
	"github.com/ukydev/schoolbus-dispatch/internal/relay"
	"github.com/ukydev/schoolbus-dispatch/internal/routing"
	"github.com/ukydev/schoolbus-dispatch/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise tracing")
	}
	defer stopTracing()

	stopProfiling := profiling.Start(cfg.Profiling.ServerAddress, cfg.Profiling.AppName, map[string]string{
		"store": cfg.Store.Driver,
	})
	defer stopProfiling()

	a, err := newApp(ctx, cfg, metrics.NewCollector())
	if err != nil {
		log.WithError(err).Fatal("Failed to start dispatch service")
	}
	defer a.Close()

	if err := a.serve(ctx); err != nil {
		log.WithError(err).Fatal("HTTP server failed")
	}
	log.Info("Dispatch service stopped")
}

// app is the wired dispatch service.
type app struct {
	cfg     *config.Config
	handler http.Handler
	hub     *hub.Hub
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*app, error) {
	a := &app{cfg: cfg}
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)

	store, users, err := a.openStore(ctx, authService)
	if err != nil {
		a.Close()
		return nil, err
	}

	hubOpts := []hub.Option{hub.WithMetrics(collector), hub.WithQueueSize(cfg.Hub.QueueSize)}
	var rl *relay.Relay
	if cfg.NATS.URL != "" {
		rl, err = relay.Connect(cfg.NATS.URL, cfg.NATS.Subject, collector)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		hubOpts = append(hubOpts, hub.WithForwarder(rl))
	}
	a.hub = hub.New(authService, hubOpts...)
	a.closers = append(a.closers, a.hub.Close)
	if rl != nil {
		if err := rl.Listen(a.hub.Deliver, a.hub); err != nil {
			a.Close()
			return nil, err
		}
	}

	var provider routing.Provider
	if cfg.Directions.BaseURL != "" {
		provider = directions.NewClient(cfg.Directions.BaseURL, cfg.Directions.APIKey, cfg.Directions.SegmentTimeout)
	} else {
		log.Warn("No directions provider configured, routes are drawn as straight lines")
	}
	composer := routing.NewComposer(provider,
		routing.WithSegmentTimeout(cfg.Directions.SegmentTimeout),
		routing.WithCacheSize(cfg.Directions.CacheSize),
		routing.WithDegradedTTL(cfg.Directions.DegradedTTL),
		routing.WithMetrics(collector),
	)

	tracker := attendance.NewTracker(store, store)
	observers := []lifecycle.Observer{a.hub, tracker}
	if rl != nil {
		observers = append(observers, rl)
	}
	manager := lifecycle.NewManager(lifecycle.Stores{
		Trips:      store,
		Routes:     store,
		Locations:  store,
		Incidents:  store,
		Attendance: store,
	}, a.hub, collector, observers...)

	ingestor := ingest.NewIngestor(store, store, a.hub, collector)
	if cfg.MQTT.BrokerURL != "" {
		sub, err := ingest.Subscribe(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, cfg.MQTT.Topic, ingestor)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sub.Close)
	}

	authMiddleware := middleware.NewAuthMiddleware(authService)
	router := handlers.Router{
		Auth:       authMiddleware,
		Users:      handlers.NewAuthHandler(authService, users),
		Trips:      handlers.NewTripHandler(manager, store, store, composer, ingestor, cfg.Directions.Vehicle),
		Attendance: handlers.NewAttendanceHandler(tracker),
		Drivers:    handlers.NewDriverHandler(reassign.NewChecker(store, store)),
		Feed:       feed.NewVehiclePositions(store, store),
		Hub:        http.HandlerFunc(a.hub.ServeWS),
		Metrics:    collector.Handler(),
	}

	limiter := middleware.NewRateLimitMiddleware()
	a.handler = collector.InstrumentHandler(
		middleware.RequestLogger(
			limiter.RateLimit(cfg.Server.RateLimit, time.Second)(router.Handler()),
		),
	)
	return a, nil
}

// openStore selects the domain store and the user collection for the
// configured driver and applies the seed file if one is set.
func (a *app) openStore(ctx context.Context, authService *auth.Service) (db.Store, db.UserCollection, error) {
	cfg := a.cfg.Store
	var (
		store db.Store
		users db.UserCollection
		mem   *db.MemoryStore
	)

	switch cfg.Driver {
	case "memory":
		mem = db.NewMemoryStore()
		store, users = mem, mem
	case "backend":
		// users stay local, the backend only serves the dispatch collections
		local := db.NewMemoryStore()
		store, users = backend.NewClient(cfg.BackendURL, cfg.BackendKey, cfg.Timeout), local
	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.WithError(err).Warn("Failed to disconnect from MongoDB")
			}
		})
		database := client.Database(cfg.MongoDB)
		store = db.NewMongoStore(database)
		users = &db.MongoUserCollection{Collection: database.Collection("users")}
		log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.SeedFile != "" {
		seed, err := db.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		if err := seed.Apply(ctx, mem, users, authService.HashPassword); err != nil {
			return nil, nil, fmt.Errorf("apply seed: %w", err)
		}
	}

	log.WithField("driver", cfg.Driver).Info("Store ready")
	return store, users, nil
}

func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	// websocket connections are hijacked and not tracked by Shutdown
	a.hub.Close()
	return srv.Shutdown(shutdownCtx)
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
