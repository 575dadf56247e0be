package actions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

func setupActionsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	actionExecutions := `
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
);`
	require.NoError(t, conn.Exec(actionExecutions).Error)
	return conn
}

func newAction(actionType enums.ActionType, status enums.ActionStatus) *models.ActionExecution {
	return &models.ActionExecution{
		ID:          uuid.New(),
		ActionType:  actionType,
		TargetJob:   "payments-service",
		Status:      status,
		RiskLevel:   enums.RiskSafe,
		RequestedBy: "system",
	}
}

func TestRepositoryReserveSlotFlipsPendingToRunning(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()

	action := newAction(enums.ActionRestart, enums.ActionPending)
	require.NoError(t, repo.Insert(ctx, action))

	reserved, err := repo.ReserveSlot(ctx, action.ID, 3, enums.RiskSafe, time.Now())
	require.NoError(t, err)
	assert.True(t, reserved)

	loaded, err := repo.GetByID(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionRunning, loaded.Status)
	assert.NotNil(t, loaded.StartedAt)
}

func TestRepositoryReserveSlotHonorsConcurrencyLimit(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()

	running := newAction(enums.ActionRestart, enums.ActionRunning)
	require.NoError(t, repo.Insert(ctx, running))

	pending := newAction(enums.ActionRestart, enums.ActionPending)
	require.NoError(t, repo.Insert(ctx, pending))

	reserved, err := repo.ReserveSlot(ctx, pending.ID, 1, enums.RiskSafe, time.Now())
	require.NoError(t, err)
	assert.False(t, reserved)

	loaded, err := repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionPending, loaded.Status)
}

func TestRepositoryReserveSlotIgnoresNonPending(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()

	done := newAction(enums.ActionRestart, enums.ActionCompleted)
	require.NoError(t, repo.Insert(ctx, done))

	reserved, err := repo.ReserveSlot(ctx, done.ID, 3, enums.RiskSafe, time.Now())
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestRepositoryRejectOnlyTouchesPending(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()

	pending := newAction(enums.ActionStop, enums.ActionPending)
	require.NoError(t, repo.Insert(ctx, pending))

	rejected, err := repo.Reject(ctx, pending.ID, enums.RiskDangerous, "stop is not permitted", time.Now())
	require.NoError(t, err)
	assert.True(t, rejected)

	loaded, err := repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionRejected, loaded.Status)
	assert.Equal(t, enums.RiskDangerous, loaded.RiskLevel)
	require.NotNil(t, loaded.RejectionReason)
	assert.Equal(t, "stop is not permitted", *loaded.RejectionReason)

	// Terminal rows stay as they are.
	again, err := repo.Reject(ctx, pending.ID, enums.RiskSafe, "other reason", time.Now())
	require.NoError(t, err)
	assert.False(t, again)
}

func TestRepositoryTerminalTransitionsRequireRunning(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()

	action := newAction(enums.ActionRestart, enums.ActionPending)
	require.NoError(t, repo.Insert(ctx, action))

	completed, err := repo.MarkCompleted(ctx, action.ID, `{"success":true}`, time.Now())
	require.NoError(t, err)
	assert.False(t, completed)

	reserved, err := repo.ReserveSlot(ctx, action.ID, 3, enums.RiskSafe, time.Now())
	require.NoError(t, err)
	require.True(t, reserved)

	completed, err = repo.MarkCompleted(ctx, action.ID, `{"success":true}`, time.Now())
	require.NoError(t, err)
	assert.True(t, completed)

	failed, err := repo.MarkFailed(ctx, action.ID, "too late", time.Now())
	require.NoError(t, err)
	assert.False(t, failed)

	loaded, err := repo.GetByID(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionCompleted, loaded.Status)
	assert.Nil(t, loaded.ErrorMessage)
}

func TestRepositoryFailStaleRunning(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newAction(enums.ActionRestart, enums.ActionRunning)
	staleStart := now.Add(-time.Hour)
	stale.StartedAt = &staleStart
	require.NoError(t, repo.Insert(ctx, stale))

	fresh := newAction(enums.ActionRestart, enums.ActionRunning)
	freshStart := now.Add(-time.Minute)
	fresh.StartedAt = &freshStart
	require.NoError(t, repo.Insert(ctx, fresh))

	pending := newAction(enums.ActionRestart, enums.ActionPending)
	require.NoError(t, repo.Insert(ctx, pending))

	failed, err := repo.FailStaleRunning(ctx, 15*time.Minute, "runner lost")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	loaded, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionFailed, loaded.Status)
	require.NotNil(t, loaded.ErrorMessage)
	assert.Equal(t, "runner lost", *loaded.ErrorMessage)
	assert.NotNil(t, loaded.FinishedAt)

	stillRunning, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActionRunning, stillRunning.Status)

	// The freed slot is visible to the concurrency check again.
	running, err := repo.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), running)
}

func TestRepositoryListPendingOldestFirst(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	newer := newAction(enums.ActionRestart, enums.ActionPending)
	newer.CreatedAt = now
	older := newAction(enums.ActionRestart, enums.ActionPending)
	older.CreatedAt = now.Add(-time.Minute)
	running := newAction(enums.ActionRestart, enums.ActionRunning)
	require.NoError(t, repo.Insert(ctx, newer))
	require.NoError(t, repo.Insert(ctx, older))
	require.NoError(t, repo.Insert(ctx, running))

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
}

func TestRepositoryStats(t *testing.T) {
	repo := NewRepository(setupActionsTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	completed := newAction(enums.ActionRestart, enums.ActionCompleted)
	started := now.Add(-90 * time.Second)
	finished := now.Add(-30 * time.Second)
	completed.StartedAt = &started
	completed.FinishedAt = &finished
	require.NoError(t, repo.Insert(ctx, completed))

	rejected := newAction(enums.ActionStop, enums.ActionRejected)
	require.NoError(t, repo.Insert(ctx, rejected))

	stale := newAction(enums.ActionRestart, enums.ActionCompleted)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, repo.Insert(ctx, stale))

	stats, err := repo.Stats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[enums.ActionCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[enums.ActionRejected])
	require.NotNil(t, stats.AvgDurationSeconds)
	assert.InDelta(t, 60, *stats.AvgDurationSeconds, 1)
}
