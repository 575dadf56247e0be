package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/migrate"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/registry"
	"github.com/opswatch/opswatch-backend/pkg/pubsub"
	"github.com/opswatch/opswatch-backend/pkg/sink"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-dispatcher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-dispatcher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-dispatcher",
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

	eventSink, closeSink, err := buildSink(cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap event sink", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeSink(); err != nil {
			logg.Error(context.Background(), "error closing event sink", err)
		}
	}()

	repo := outbox.NewRepository(dbClient.DB())
	notifier := incidents.NewNotifier(incidents.NewRepository(dbClient.DB()))
	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Repository: repo,
		Registry:   eventRegistry,
		Sink:       eventSink,
		Notifier:   notifier,
		Metrics:    metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox dispatcher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outbox-dispatcher",
	})
	logg.Info(ctx, "starting outbox dispatcher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox dispatcher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox dispatcher shutting down gracefully")
}

func buildSink(cfg *config.Config, logg *logger.Logger) (sink.Sink, func() error, error) {
	if cfg.FeatureFlags.ConsoleSink {
		logg.Info(context.Background(), "console sink enabled, events will be logged instead of published")
		consoleSink := sink.NewConsoleSink(logg)
		return consoleSink, consoleSink.Close, nil
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, nil, err
	}
	pubsubSink, err := sink.NewPubSubSink(pubsubClient)
	if err != nil {
		return nil, nil, multierr.Append(err, pubsubClient.Close())
	}
	closer := func() error {
		return multierr.Append(pubsubSink.Close(), pubsubClient.Close())
	}
	return pubsubSink, closer, nil
}
