package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/executor"
	"github.com/opswatch/opswatch-backend/internal/guard"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/jenkins"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/migrate"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/idempotency"
	"github.com/opswatch/opswatch-backend/pkg/pubsub"
	"github.com/opswatch/opswatch-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "action-runner"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "action-runner"

	logg = logger.New(logger.Options{
		ServiceName: "action-runner",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "failed to close database", err)
		}
	}()

	err = migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient)
	requireResource(ctx, logg, "dev migrations", err)

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	subscription := pubsubClient.ActionsSubscription()
	if subscription == nil {
		requireResource(ctx, logg, "actions subscription", errors.New("subscription not configured"))
	}

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	requireResource(ctx, logg, "idempotency manager", err)

	var remote executor.ControlPlane
	var deploys guard.DeployLookup
	if cfg.Security.DryRun {
		logg.Info(ctx, "dry-run mode enabled, remote control plane calls are simulated")
	} else {
		jenkinsClient, err := jenkins.NewClient(cfg.Jenkins)
		requireResource(ctx, logg, "jenkins client", err)
		remote = jenkinsClient
		deploys = jenkinsClient.LastSuccessfulBuild
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	actionRepo := actions.NewRepository(dbClient.DB())
	incidentRepo := incidents.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg, 0)

	incidentService, err := incidents.NewService(incidents.ServiceParams{
		Repo:   incidentRepo,
		DB:     dbClient,
		Outbox: outboxService,
		Logger: logg,
	})
	requireResource(ctx, logg, "incident service", err)

	exec, err := executor.New(executor.Params{
		Repo:      actionRepo,
		Incidents: incidentService,
		Guard:     guard.New(cfg.Security, deploys, nil),
		Remote:    remote,
		DB:        dbClient,
		Outbox:    outboxService,
		Metrics:   pipelineMetrics,
		Logger:    logg,
		Executor:  cfg.Executor,
		DryRun:    cfg.Security.DryRun,
	})
	requireResource(ctx, logg, "action executor", err)

	consumer, err := actions.NewConsumer(actionRepo, exec, subscription, manager, logg)
	requireResource(ctx, logg, "action consumer", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(runCtx, "action runner ready")

	go runPendingSweep(runCtx, logg, exec, defaultPendingSweepInterval)

	if err := consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "action runner failed", err)
		os.Exit(1)
	}

	logg.Info(runCtx, "action runner shutting down gracefully")
}

const defaultPendingSweepInterval = 30 * time.Second

// runPendingSweep periodically re-evaluates pending actions so requests
// parked by a full slot pool make progress even without redelivery.
func runPendingSweep(ctx context.Context, logg *logger.Logger, exec *executor.Executor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := exec.ProcessPending(ctx)
			if err != nil {
				logg.Error(ctx, "pending action sweep failed", err)
				continue
			}
			if processed > 0 {
				logg.Info(logg.WithField(ctx, "processed", processed), "pending action sweep completed")
			}
		}
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
