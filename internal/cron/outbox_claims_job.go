package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/opswatch/opswatch-backend/pkg/enums"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

const defaultClaimTimeout = 5 * time.Minute

type outboxClaimsRepo interface {
	ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int64, error)
	StatusCounts(ctx context.Context) (map[enums.OutboxStatus]int64, error)
}

// OutboxClaimsJobParams configure the stale claim sweeper.
type OutboxClaimsJobParams struct {
	Logger       *logger.Logger
	Repository   outboxClaimsRepo
	ClaimTimeout time.Duration
}

// NewOutboxClaimsJob returns events claimed by dead dispatchers to the
// pending pool and reports queue depth by status.
func NewOutboxClaimsJob(params OutboxClaimsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	timeout := params.ClaimTimeout
	if timeout <= 0 {
		timeout = defaultClaimTimeout
	}
	return &outboxClaimsJob{
		logg:    params.Logger,
		repo:    params.Repository,
		timeout: timeout,
	}, nil
}

type outboxClaimsJob struct {
	logg    *logger.Logger
	repo    outboxClaimsRepo
	timeout time.Duration
}

func (j *outboxClaimsJob) Name() string { return "outbox-claims" }

func (j *outboxClaimsJob) Run(ctx context.Context) error {
	released, err := j.repo.ReleaseExpiredClaims(ctx, j.timeout)
	if err != nil {
		return fmt.Errorf("release expired claims: %w", err)
	}

	fields := map[string]any{
		"claim_timeout": j.timeout.String(),
		"rows_released": released,
	}
	counts, err := j.repo.StatusCounts(ctx)
	if err != nil {
		j.logg.Error(ctx, "failed to read outbox status counts", err)
	} else {
		for status, count := range counts {
			fields["queue_"+string(status)] = count
		}
	}

	logCtx := j.logg.WithFields(ctx, fields)
	if released > 0 {
		j.logg.Warn(logCtx, "released expired outbox claims")
	} else {
		j.logg.Info(logCtx, "outbox claim sweep complete")
	}
	return nil
}
