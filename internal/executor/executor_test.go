package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/guard"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	"github.com/opswatch/opswatch-backend/pkg/jenkins"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
)

type fakeControlPlane struct {
	healthErr  error
	result     *jenkins.ActionResult
	callErr    error
	calls      []string
	lastParams map[string]string
	lastBuild  *int
}

func (f *fakeControlPlane) HealthCheck(context.Context) error {
	f.calls = append(f.calls, "health")
	return f.healthErr
}

func (f *fakeControlPlane) Restart(_ context.Context, job string, params map[string]string) (*jenkins.ActionResult, error) {
	f.calls = append(f.calls, "restart "+job)
	f.lastParams = params
	return f.result, f.callErr
}

func (f *fakeControlPlane) Rollback(_ context.Context, job string, build *int, params map[string]string) (*jenkins.ActionResult, error) {
	f.calls = append(f.calls, "rollback "+job)
	f.lastParams = params
	f.lastBuild = build
	return f.result, f.callErr
}

func (f *fakeControlPlane) Stop(_ context.Context, job string, build *int) (*jenkins.ActionResult, error) {
	f.calls = append(f.calls, "stop "+job)
	f.lastBuild = build
	return f.result, f.callErr
}

func setupExecutorTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	schema := []string{`
CREATE TABLE IF NOT EXISTS action_executions (
  id TEXT PRIMARY KEY,
  incident_id TEXT,
  action_type TEXT NOT NULL,
  target_job TEXT NOT NULL,
  target_build INTEGER,
  parameters TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  risk_level TEXT NOT NULL DEFAULT 'safe',
  rejection_reason TEXT,
  result TEXT,
  error_message TEXT,
  requested_by TEXT NOT NULL DEFAULT 'system',
  started_at DATETIME,
  finished_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS incidents (
  id TEXT PRIMARY KEY,
  rule_name TEXT NOT NULL,
  severity TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'detected',
  title TEXT NOT NULL,
  description TEXT,
  details TEXT,
  runbook_url TEXT,
  source TEXT NOT NULL,
  job_name TEXT,
  log_entry_id TEXT,
  resolution_method TEXT,
  resolution_notes TEXT,
  acknowledged_by TEXT,
  resolved_by TEXT,
  notified_at DATETIME,
  acknowledged_at DATETIME,
  resolved_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  next_retry_at DATETIME,
  claimed_at DATETIME,
  last_error TEXT,
  created_at DATETIME,
  processed_at DATETIME
);`}
	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

type executorFixture struct {
	executor *Executor
	remote   *fakeControlPlane
	conn     *gorm.DB
}

func setupExecutor(t *testing.T, cfg config.SecurityConfig, execCfg config.ExecutorConfig, dryRun bool) executorFixture {
	t.Helper()

	conn := setupExecutorTestDB(t)
	client := db.NewWithConn(conn)
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), nil, 3)

	incidentSvc, err := incidents.NewService(incidents.ServiceParams{
		Repo:   incidents.NewRepository(conn),
		DB:     client,
		Outbox: outboxSvc,
	})
	require.NoError(t, err)

	remote := &fakeControlPlane{result: &jenkins.ActionResult{Success: true, Message: "build queued"}}
	exec, err := New(Params{
		Repo:      actions.NewRepository(conn),
		Incidents: incidentSvc,
		Guard:     guard.New(cfg, nil, nil),
		Remote:    remote,
		DB:        client,
		Outbox:    outboxSvc,
		Executor:  execCfg,
		DryRun:    dryRun,
	})
	require.NoError(t, err)
	exec.sleep = func(context.Context, time.Duration) {}
	return executorFixture{executor: exec, remote: remote, conn: conn}
}

func insertAction(t *testing.T, conn *gorm.DB, actionType enums.ActionType, job string, incidentID *uuid.UUID) *models.ActionExecution {
	t.Helper()
	action := &models.ActionExecution{
		ID:          uuid.New(),
		IncidentID:  incidentID,
		ActionType:  actionType,
		TargetJob:   job,
		Status:      enums.ActionPending,
		RiskLevel:   enums.RiskSafe,
		RequestedBy: "system",
	}
	require.NoError(t, conn.Create(action).Error)
	return action
}

func TestExecuteCompletesRestartAndResolvesIncident(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)
	newBuild := 118
	fx.remote.result = &jenkins.ActionResult{
		Success:        true,
		Action:         "restart",
		JobName:        "payments-service",
		NewBuildNumber: &newBuild,
		Message:        "restarted job payments-service, new build #118",
		Timestamp:      time.Now().UTC(),
	}
	ctx := context.Background()

	incident := &models.Incident{
		ID:       uuid.New(),
		RuleName: "jenkins_build_failure",
		Severity: enums.SeverityHigh,
		Status:   enums.IncidentDetected,
		Title:    "Build failure",
		Source:   enums.LogSourceJenkins,
	}
	incident.CreatedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, fx.conn.Create(incident).Error)

	action := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", &incident.ID)
	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionCompleted, action.Status)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	assert.Equal(t, enums.ActionCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Contains(t, *stored.Result, `"success":true`)
	assert.Contains(t, *stored.Result, `"new_build_number":118`)
	assert.Contains(t, *stored.Result, `"job_name":"payments-service"`)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)

	var resolvedIncident models.Incident
	require.NoError(t, fx.conn.First(&resolvedIncident, "id = ?", incident.ID).Error)
	assert.Equal(t, enums.IncidentResolved, resolvedIncident.Status)
	require.NotNil(t, resolvedIncident.ResolutionMethod)
	assert.Equal(t, enums.ResolutionAutomated, *resolvedIncident.ResolutionMethod)
	require.NotNil(t, resolvedIncident.ResolvedBy)
	assert.Equal(t, "system", *resolvedIncident.ResolvedBy)

	var events []models.OutboxEvent
	require.NoError(t, fx.conn.Find(&events).Error)
	types := make(map[enums.OutboxEventType]bool, len(events))
	for _, event := range events {
		types[event.EventType] = true
	}
	assert.True(t, types[enums.EventActionCompleted])
	assert.True(t, types[enums.EventIncidentResolved])

	assert.Equal(t, []string{"health", "restart payments-service"}, fx.remote.calls)
}

func TestExecuteStopPassesTargetBuild(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionStop, "dev-stuck-job", nil)
	target := 204
	require.NoError(t, fx.conn.Model(action).Update("target_build", target).Error)
	action.TargetBuild = &target

	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionCompleted, action.Status)
	assert.Equal(t, []string{"health", "stop dev-stuck-job"}, fx.remote.calls)
	require.NotNil(t, fx.remote.lastBuild)
	assert.Equal(t, 204, *fx.remote.lastBuild)
}

func TestExecuteRollbackPassesTargetBuild(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionRollback, "payments-service", nil)
	target := 117
	require.NoError(t, fx.conn.Model(action).Update("target_build", target).Error)
	action.TargetBuild = &target

	require.NoError(t, fx.executor.Execute(ctx, action))
	require.NotNil(t, fx.remote.lastBuild)
	assert.Equal(t, 117, *fx.remote.lastBuild)
}

func TestExecuteGuardRejectionNeverCallsRemote(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{AllowedJobs: []string{"payments-service"}}, config.ExecutorConfig{}, false)
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionRestart, "billing-service", nil)
	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionRejected, action.Status)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	assert.Equal(t, enums.ActionRejected, stored.Status)
	require.NotNil(t, stored.RejectionReason)
	assert.Nil(t, stored.StartedAt)
	assert.Empty(t, fx.remote.calls)

	var events int64
	require.NoError(t, fx.conn.Model(&models.OutboxEvent{}).Count(&events).Error)
	assert.Zero(t, events)
}

func TestExecuteConcurrencyLimitLeavesActionPending(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{MaxConcurrentActions: 1}, false)
	ctx := context.Background()

	running := insertAction(t, fx.conn, enums.ActionRestart, "other-service", nil)
	require.NoError(t, fx.conn.Model(running).Update("status", enums.ActionRunning).Error)

	action := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", nil)
	err := fx.executor.Execute(ctx, action)
	require.ErrorIs(t, err, actions.ErrNoSlot)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	assert.Equal(t, enums.ActionPending, stored.Status)
	assert.Empty(t, fx.remote.calls)
}

func TestExecuteHealthCheckFailureFailsAction(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)
	fx.remote.healthErr = errors.New("connection refused")
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", nil)
	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionFailed, action.Status)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	assert.Equal(t, enums.ActionFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "unreachable")

	var event models.OutboxEvent
	require.NoError(t, fx.conn.Where("event_type = ?", enums.EventActionFailed).First(&event).Error)
	assert.Equal(t, action.ID, event.AggregateID)
}

func TestExecuteRemoteFailureStoresMessage(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)
	fx.remote.result = &jenkins.ActionResult{Success: false, Message: "job is disabled"}
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionRollback, "payments-service", nil)
	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionFailed, action.Status)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "job is disabled", *stored.ErrorMessage)
}

func TestExecuteDryRunSkipsRemote(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{DryRunDelay: time.Millisecond}, true)
	ctx := context.Background()

	action := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", nil)
	require.NoError(t, fx.executor.Execute(ctx, action))
	assert.Equal(t, enums.ActionCompleted, action.Status)

	var stored models.ActionExecution
	require.NoError(t, fx.conn.First(&stored, "id = ?", action.ID).Error)
	require.NotNil(t, stored.Result)
	assert.Contains(t, *stored.Result, `"dry_run":true`)
	assert.Empty(t, fx.remote.calls)
}

func TestExecuteTerminalActionIsNoOp(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{}, false)

	action := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", nil)
	require.NoError(t, fx.conn.Model(action).Update("status", enums.ActionCompleted).Error)
	action.Status = enums.ActionCompleted

	require.NoError(t, fx.executor.Execute(context.Background(), action))
	assert.Empty(t, fx.remote.calls)
}

func TestProcessPendingSequentialAndStopsAtLimit(t *testing.T) {
	fx := setupExecutor(t, config.SecurityConfig{}, config.ExecutorConfig{MaxConcurrentActions: 5}, false)
	ctx := context.Background()
	now := time.Now().UTC()

	first := insertAction(t, fx.conn, enums.ActionRestart, "payments-service", nil)
	require.NoError(t, fx.conn.Model(first).Update("created_at", now.Add(-2*time.Minute)).Error)
	second := insertAction(t, fx.conn, enums.ActionRestart, "billing-service", nil)
	require.NoError(t, fx.conn.Model(second).Update("created_at", now.Add(-time.Minute)).Error)

	processed, err := fx.executor.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// Oldest first, each with its own health check.
	assert.Equal(t, []string{
		"health", "restart payments-service",
		"health", "restart billing-service",
	}, fx.remote.calls)
}
