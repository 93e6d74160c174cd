// Backbone - Sales Intelligence Data Backbone
// ============================================
// Ingests ERP/CRM records into an immutable event log and maintains
// denormalized read views for dashboard and access-control queries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/salescommand/backbone/internal/eventstore"
	apihttp "github.com/salescommand/backbone/internal/interfaces/http"
	"github.com/salescommand/backbone/internal/projection"
	"github.com/salescommand/backbone/internal/query"
	syncpkg "github.com/salescommand/backbone/internal/sync"
	"github.com/salescommand/backbone/pkg/config"
	"github.com/salescommand/backbone/pkg/database"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/tracer"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
		Caller:     cfg.Logger.Caller,
	})
	log = log.With().Service(cfg.App.Name).Logger()
	logger.SetGlobal(log)

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting backbone service")

	tr, err := tracer.New(&cfg.Tracer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracer")
	}
	defer tr.Close(context.Background())

	mongodb, err := database.NewMongoDB(&cfg.MongoDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer mongodb.Close(context.Background())

	redis, err := database.NewRedis(&cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	db := mongodb.Database()

	// Event store and bus
	events := eventstore.NewStore(db, log)
	bus := eventstore.NewBus(log)

	// Optional outbound event relay
	if cfg.RabbitMQ.Enabled {
		relay, err := eventstore.NewRelay(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect event relay to RabbitMQ")
		}
		defer relay.Close()
		relay.Attach(bus)
	}

	// Sync pipeline
	rawStore := syncpkg.NewRawStore(db, log)
	jobStore := syncpkg.NewJobStore(db, log)
	connector := syncpkg.NewOdooConnector(&cfg.Odoo, &cfg.Sync, log)
	reconcile := cfg.Sync.ModifiedSinceWin == 0
	handler := syncpkg.NewHandler(connector, syncpkg.NewMapper(), rawStore, events, bus, cfg.Sync.Workers, reconcile, log)
	syncService := syncpkg.NewService(jobStore, handler, &cfg.Sync, tr, log)

	// Projections
	userProfiles := projection.NewUserProfileProjection(db, log)
	opportunities := projection.NewOpportunityProjection(db, rawStore, log)
	activities := projection.NewActivityProjection(db, log)
	accessMatrix := projection.NewAccessMatrixProjection(db, log)
	dashboards := projection.NewDashboardMetricsProjection(db, log)

	runtime := projection.NewRuntime(events, bus, log,
		userProfiles, opportunities, activities, accessMatrix, dashboards)
	runtime.Wire()

	// Index bootstrap
	bootCtx, bootCancel := context.WithTimeout(context.Background(), cfg.MongoDB.ServerTimeout)
	defer bootCancel()
	if err := events.EnsureIndexes(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create event store indexes")
	}
	if err := rawStore.EnsureIndexes(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create raw store indexes")
	}
	if err := jobStore.EnsureIndexes(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create sync job indexes")
	}
	if err := projection.NewIndexManager(db).CreateAllIndexes(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create projection indexes")
	}

	// Read side
	queries := query.NewService(db, redis, accessMatrix, dashboards, log)

	// Background scheduler
	if cfg.Sync.ScheduleEnabled {
		scheduler := syncpkg.NewScheduler(syncService, cfg.Sync.Interval, log)
		scheduler.Start()
		defer scheduler.Stop()
	}

	// HTTP API
	apiHandler := apihttp.NewHandler(syncService, queries, runtime, log)
	router := apihttp.NewRouter(apiHandler, Version, map[string]apihttp.HealthChecker{
		"mongodb": func(r *http.Request) error { return mongodb.Health(r.Context()) },
		"redis":   func(r *http.Request) error { return redis.Health(r.Context()) },
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
