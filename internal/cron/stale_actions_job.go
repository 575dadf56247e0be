package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/opswatch/opswatch-backend/pkg/logger"
)

const (
	defaultRunningTimeout = 15 * time.Minute
	staleRunningMessage   = "action runner lost, no progress within the running timeout"
)

type staleActionsRepo interface {
	FailStaleRunning(ctx context.Context, maxAge time.Duration, message string) (int64, error)
	CountRunning(ctx context.Context) (int64, error)
}

// StaleActionsJobParams configure the stuck action sweeper.
type StaleActionsJobParams struct {
	Logger         *logger.Logger
	Repository     staleActionsRepo
	RunningTimeout time.Duration
}

// NewStaleActionsJob fails actions whose runner died mid-execution.
// A crashed runner leaves its action running and holds a concurrency
// slot until this sweep reclaims it.
func NewStaleActionsJob(params StaleActionsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("actions repository required")
	}
	timeout := params.RunningTimeout
	if timeout <= 0 {
		timeout = defaultRunningTimeout
	}
	return &staleActionsJob{
		logg:    params.Logger,
		repo:    params.Repository,
		timeout: timeout,
	}, nil
}

type staleActionsJob struct {
	logg    *logger.Logger
	repo    staleActionsRepo
	timeout time.Duration
}

func (j *staleActionsJob) Name() string { return "stale-actions" }

func (j *staleActionsJob) Run(ctx context.Context) error {
	failed, err := j.repo.FailStaleRunning(ctx, j.timeout, staleRunningMessage)
	if err != nil {
		return fmt.Errorf("fail stale running actions: %w", err)
	}

	fields := map[string]any{
		"running_timeout": j.timeout.String(),
		"rows_failed":     failed,
	}
	running, err := j.repo.CountRunning(ctx)
	if err != nil {
		j.logg.Error(ctx, "failed to count running actions", err)
	} else {
		fields["still_running"] = running
	}

	logCtx := j.logg.WithFields(ctx, fields)
	if failed > 0 {
		j.logg.Warn(logCtx, "failed stale running actions")
	} else {
		j.logg.Info(logCtx, "stale action sweep complete")
	}
	return nil
}
