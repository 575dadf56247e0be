package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opswatch/opswatch-backend/api/controllers"
	"github.com/opswatch/opswatch-backend/api/routes"
	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/internal/ingest"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/migrate"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/redis"
)

const shutdownGrace = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg, 0)
	incidentRepo := incidents.NewRepository(dbClient.DB())

	incidentService, err := incidents.NewService(incidents.ServiceParams{
		Repo:   incidentRepo,
		DB:     dbClient,
		Outbox: outboxService,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create incident service", err)
		os.Exit(1)
	}

	ingestService, err := ingest.NewService(ingest.ServiceParams{
		Repo:      ingest.NewRepository(dbClient.DB()),
		Incidents: incidentRepo,
		DB:        dbClient,
		Outbox:    outboxService,
		Logger:    logg,
		Metrics:   metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ingest service", err)
		os.Exit(1)
	}

	actionService, err := actions.NewService(actions.ServiceParams{
		Repo:       actions.NewRepository(dbClient.DB()),
		DB:         dbClient,
		Outbox:     outboxService,
		Logger:     logg,
		Limiter:    redisClient,
		RateLimit:  cfg.Security.ActionRateLimit,
		RateWindow: cfg.Security.ActionRateWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create action service", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(routes.Deps{
		Config:    cfg,
		Logger:    logg,
		Ingest:    ingestService,
		Incidents: incidentService,
		Actions:   actionService,
		Readiness: []controllers.DependencyCheck{
			{Name: "database", Pinger: dbClient},
			{Name: "redis", Pinger: redisClient},
		},
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
			os.Exit(1)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
