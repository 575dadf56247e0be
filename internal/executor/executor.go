package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/guard"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/jenkins"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

// ControlPlane is the remote surface the executor drives. The Jenkins
// client satisfies it; tests substitute a fake.
type ControlPlane interface {
	HealthCheck(ctx context.Context) error
	Restart(ctx context.Context, job string, params map[string]string) (*jenkins.ActionResult, error)
	Rollback(ctx context.Context, job string, build *int, params map[string]string) (*jenkins.ActionResult, error)
	Stop(ctx context.Context, job string, build *int) (*jenkins.ActionResult, error)
}

// Params carries the dependencies for New.
type Params struct {
	Repo      actions.Repository
	Incidents incidents.Service
	Guard     *guard.Guard
	Remote    ControlPlane
	DB        *db.Client
	Outbox    *outbox.Service
	Metrics   *metrics.PipelineMetrics
	Logger    *logger.Logger
	Executor  config.ExecutorConfig
	DryRun    bool
}

// Executor walks one action through guard, slot reservation, the
// remote call, and terminal bookkeeping.
type Executor struct {
	repo      actions.Repository
	incidents incidents.Service
	guard     *guard.Guard
	remote    ControlPlane
	db        *db.Client
	outbox    *outbox.Service
	metrics   *metrics.PipelineMetrics
	logg      *logger.Logger
	limit     int
	batchSize int
	dryRun    bool
	dryDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration)
}

// New wires an executor from its dependencies.
func New(params Params) (*Executor, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "action repository required")
	}
	if params.Incidents == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "incident service required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "guard required")
	}
	if params.Remote == nil && !params.DryRun {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "control plane client required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "database client required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox service required")
	}
	limit := params.Executor.MaxConcurrentActions
	if limit <= 0 {
		limit = 3
	}
	batchSize := params.Executor.PendingBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	dryDelay := params.Executor.DryRunDelay
	if dryDelay <= 0 {
		dryDelay = 2 * time.Second
	}
	return &Executor{
		repo:      params.Repo,
		incidents: params.Incidents,
		guard:     params.Guard,
		remote:    params.Remote,
		db:        params.DB,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		logg:      params.Logger,
		limit:     limit,
		batchSize: batchSize,
		dryRun:    params.DryRun,
		dryDelay:  dryDelay,
		sleep:     sleepContext,
	}, nil
}

// executionResult is the JSON stored on completed actions.
type executionResult struct {
	Success         bool              `json:"success"`
	Action          string            `json:"action"`
	JobName         string            `json:"job_name"`
	BuildNumber     *int              `json:"build_number,omitempty"`
	NewBuildNumber  *int              `json:"new_build_number,omitempty"`
	Message         string            `json:"message,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	DurationSeconds float64           `json:"duration_seconds"`
	DryRun          bool              `json:"dry_run,omitempty"`
}

// Execute runs a single action to a terminal state, or returns
// actions.ErrNoSlot while every execution slot is taken.
func (e *Executor) Execute(ctx context.Context, action *models.ActionExecution) error {
	if action == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "action required")
	}
	if action.Status.IsTerminal() {
		return nil
	}

	logCtx := ctx
	if e.logg != nil {
		logCtx = e.logg.WithActionID(ctx, action.ID.String())
	}

	verdict := e.guard.Validate(ctx, *action)
	if !verdict.Allowed {
		return e.reject(logCtx, action, verdict)
	}

	started := time.Now()
	reserved, err := e.repo.ReserveSlot(ctx, action.ID, e.limit, verdict.Risk, started)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve execution slot")
	}
	if !reserved {
		current, loadErr := e.repo.GetByID(ctx, action.ID)
		if loadErr == nil && current.Status != enums.ActionPending {
			// Another worker already took this action past pending.
			return nil
		}
		return actions.ErrNoSlot
	}
	action.Status = enums.ActionRunning
	action.RiskLevel = verdict.Risk
	action.StartedAt = &started

	if e.dryRun {
		return e.completeDryRun(logCtx, action, started)
	}

	if err := e.remote.HealthCheck(ctx); err != nil {
		return e.fail(logCtx, action, started, "control plane unreachable: "+err.Error())
	}

	result, err := e.dispatch(ctx, action)
	if err != nil {
		return e.fail(logCtx, action, started, err.Error())
	}
	if !result.Success {
		message := result.Message
		if message == "" {
			message = "control plane reported failure"
		}
		return e.fail(logCtx, action, started, message)
	}
	return e.complete(logCtx, action, started, executionResult{
		Success:        true,
		Action:         result.Action,
		JobName:        result.JobName,
		BuildNumber:    result.BuildNumber,
		NewBuildNumber: result.NewBuildNumber,
		Message:        result.Message,
		Details:        result.Details,
		Timestamp:      result.Timestamp,
	})
}

// ProcessPending drains pending actions one at a time, oldest first.
// It stops early when the slots fill up and reports how many actions
// reached a terminal state.
func (e *Executor) ProcessPending(ctx context.Context) (int, error) {
	pending, err := e.repo.ListPending(ctx, e.batchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending actions")
	}
	processed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := e.Execute(ctx, &pending[i]); err != nil {
			if errors.Is(err, actions.ErrNoSlot) {
				return processed, nil
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (e *Executor) dispatch(ctx context.Context, action *models.ActionExecution) (*jenkins.ActionResult, error) {
	params := map[string]string{}
	if action.Parameters != nil && *action.Parameters != "" {
		if err := json.Unmarshal([]byte(*action.Parameters), &params); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse action parameters")
		}
	}
	switch action.ActionType {
	case enums.ActionRestart:
		return e.remote.Restart(ctx, action.TargetJob, params)
	case enums.ActionRollback:
		return e.remote.Rollback(ctx, action.TargetJob, action.TargetBuild, params)
	case enums.ActionStop:
		return e.remote.Stop(ctx, action.TargetJob, action.TargetBuild)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown action type")
	}
}

func (e *Executor) reject(ctx context.Context, action *models.ActionExecution, verdict guard.Verdict) error {
	rejected, err := e.repo.Reject(ctx, action.ID, verdict.Risk, verdict.Reason, time.Now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reject action")
	}
	if rejected {
		if e.metrics != nil {
			e.metrics.IncGuardRejection(verdict.Rule)
			e.metrics.IncActionFinished(string(action.ActionType), string(enums.ActionRejected))
		}
		if e.logg != nil {
			logCtx := e.logg.WithFields(ctx, map[string]any{
				"rule":   verdict.Rule,
				"reason": verdict.Reason,
			})
			e.logg.Warn(logCtx, "action rejected by guard")
		}
		action.Status = enums.ActionRejected
	}
	return nil
}

func (e *Executor) completeDryRun(ctx context.Context, action *models.ActionExecution, started time.Time) error {
	e.sleep(ctx, e.dryDelay)
	return e.complete(ctx, action, started, executionResult{
		Success:     true,
		Action:      string(action.ActionType),
		JobName:     action.TargetJob,
		BuildNumber: action.TargetBuild,
		Message:     "dry run, no remote call performed",
		Timestamp:   time.Now().UTC(),
		DryRun:      true,
	})
}

// complete stores the result and, when the action fixed a linked
// incident, resolves that incident in the same transaction.
func (e *Executor) complete(ctx context.Context, action *models.ActionExecution, started time.Time, result executionResult) error {
	finished := time.Now()
	result.DurationSeconds = finished.Sub(started).Seconds()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode action result")
	}

	err = e.db.WithTx(ctx, func(tx *gorm.DB) error {
		completed, txErr := e.repo.WithTx(tx).MarkCompleted(ctx, action.ID, string(resultJSON), finished)
		if txErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, txErr, "complete action")
		}
		if !completed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "action is not running")
		}

		if action.IncidentID != nil && action.ActionType != enums.ActionStop {
			resolution := incidents.Resolution{Method: enums.ResolutionAutomated, By: &action.RequestedBy}
			if _, txErr := e.incidents.ResolveTx(ctx, tx, *action.IncidentID, resolution); txErr != nil {
				coded := pkgerrors.As(txErr)
				// The incident may have been resolved by hand while the
				// action was running; that does not undo the action.
				if coded == nil || (coded.Code() != pkgerrors.CodeStateConflict && coded.Code() != pkgerrors.CodeNotFound) {
					return txErr
				}
			}
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventActionCompleted,
			AggregateType: enums.AggregateAction,
			AggregateID:   action.ID,
			Data: payloads.ActionCompletedEvent{
				ActionID:        action.ID,
				IncidentID:      action.IncidentID,
				ActionType:      action.ActionType,
				TargetJob:       action.TargetJob,
				Result:          result.Message,
				DurationSeconds: result.DurationSeconds,
				FinishedAt:      finished,
			},
			Version: 1,
		}
		if txErr := e.outbox.Emit(ctx, tx, event); txErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, txErr, "queue completion event")
		}
		return nil
	})
	if err != nil {
		return err
	}

	action.Status = enums.ActionCompleted
	action.FinishedAt = &finished
	if e.metrics != nil {
		e.metrics.IncActionFinished(string(action.ActionType), string(enums.ActionCompleted))
		e.metrics.ObserveActionDuration(string(action.ActionType), finished.Sub(started))
	}
	if e.logg != nil {
		e.logg.Info(ctx, "action completed")
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, action *models.ActionExecution, started time.Time, message string) error {
	finished := time.Now()
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		failed, txErr := e.repo.WithTx(tx).MarkFailed(ctx, action.ID, message, finished)
		if txErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, txErr, "fail action")
		}
		if !failed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "action is not running")
		}
		event := outbox.DomainEvent{
			EventType:     enums.EventActionFailed,
			AggregateType: enums.AggregateAction,
			AggregateID:   action.ID,
			Data: payloads.ActionFailedEvent{
				ActionID:   action.ID,
				IncidentID: action.IncidentID,
				ActionType: action.ActionType,
				TargetJob:  action.TargetJob,
				Error:      message,
				FinishedAt: finished,
			},
			Version: 1,
		}
		if txErr := e.outbox.Emit(ctx, tx, event); txErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, txErr, "queue failure event")
		}
		return nil
	})
	if err != nil {
		return err
	}

	action.Status = enums.ActionFailed
	action.FinishedAt = &finished
	if e.metrics != nil {
		e.metrics.IncActionFinished(string(action.ActionType), string(enums.ActionFailed))
		e.metrics.ObserveActionDuration(string(action.ActionType), finished.Sub(started))
	}
	if e.logg != nil {
		e.logg.Error(ctx, "action failed", errors.New(message))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
