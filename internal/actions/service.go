package actions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

// RequestParams describes a remediation request.
type RequestParams struct {
	ActionType  enums.ActionType
	TargetJob   string
	TargetBuild *int
	Parameters  *string
	IncidentID  *uuid.UUID
	RequestedBy string
}

// Service accepts remediation requests and exposes action queries.
type Service interface {
	Request(ctx context.Context, params RequestParams) (*models.ActionExecution, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error)
	List(ctx context.Context, params ListParams) ([]models.ActionExecution, error)
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}

// RateLimiter bounds how many requests a scope accepts per window.
type RateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// ServiceParams carries the dependencies for NewService. Limiter is
// optional; without one no rate limit is applied.
type ServiceParams struct {
	Repo       Repository
	DB         *db.Client
	Outbox     *outbox.Service
	Logger     *logger.Logger
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

type service struct {
	repo       Repository
	db         *db.Client
	outbox     *outbox.Service
	logg       *logger.Logger
	limiter    RateLimiter
	rateLimit  int
	rateWindow time.Duration
}

// NewService wires an action service from its dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "action repository required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "database client required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox service required")
	}
	window := params.RateWindow
	if window <= 0 {
		window = time.Hour
	}
	return &service{
		repo:       params.Repo,
		db:         params.DB,
		outbox:     params.Outbox,
		logg:       params.Logger,
		limiter:    params.Limiter,
		rateLimit:  params.RateLimit,
		rateWindow: window,
	}, nil
}

// Request stores the action and queues its request event in one
// transaction so a crash can never produce one without the other.
func (s *service) Request(ctx context.Context, params RequestParams) (*models.ActionExecution, error) {
	if !params.ActionType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid action type")
	}
	if params.TargetJob == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target job is required")
	}
	if params.RequestedBy == "" {
		params.RequestedBy = "system"
	}

	if s.limiter != nil && s.rateLimit > 0 {
		allowed, count, err := s.limiter.FixedWindowAllow(ctx, "actions:"+params.TargetJob, int64(s.rateLimit), s.rateWindow)
		if err != nil {
			// An unreachable limiter does not block the request.
			if s.logg != nil {
				s.logg.Error(ctx, "action rate limit check failed", err)
			}
		} else if !allowed {
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"target_job": params.TargetJob,
					"count":      count,
				})
				s.logg.Warn(logCtx, "action rate limit exceeded")
			}
			return nil, pkgerrors.New(pkgerrors.CodeRateLimit, "too many actions requested for this job")
		}
	}

	now := time.Now()
	action := &models.ActionExecution{
		ID:          uuid.New(),
		IncidentID:  params.IncidentID,
		ActionType:  params.ActionType,
		TargetJob:   params.TargetJob,
		TargetBuild: params.TargetBuild,
		Parameters:  params.Parameters,
		Status:      enums.ActionPending,
		RiskLevel:   enums.RiskSafe,
		RequestedBy: params.RequestedBy,
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Insert(ctx, action); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert action")
		}
		payload := payloads.ActionRequestedEvent{
			ActionID:    action.ID,
			IncidentID:  action.IncidentID,
			ActionType:  action.ActionType,
			TargetJob:   action.TargetJob,
			TargetBuild: action.TargetBuild,
			RequestedBy: action.RequestedBy,
			RequestedAt: now,
		}
		if action.Parameters != nil {
			payload.Parameters = *action.Parameters
		}
		event := outbox.DomainEvent{
			EventType:     enums.EventActionRequested,
			AggregateType: enums.AggregateAction,
			AggregateID:   action.ID,
			Actor:         &outbox.ActorRef{Service: "actions", RequestedBy: action.RequestedBy},
			Data:          payload,
			Version:       1,
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue action event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithActionID(ctx, action.ID.String())
		s.logg.Info(logCtx, "action requested")
	}
	return action, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error) {
	action, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "action not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load action")
	}
	return action, nil
}

func (s *service) List(ctx context.Context, params ListParams) ([]models.ActionExecution, error) {
	if params.Status != nil && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	actions, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list actions")
	}
	return actions, nil
}

func (s *service) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := s.repo.Stats(ctx, time.Now().Add(-window))
	if err != nil {
		return Stats{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "action stats")
	}
	return stats, nil
}
