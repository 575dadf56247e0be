package outbox

import (
	"context"
	"encoding/json"
	"errors"
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

func setupOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	outboxEvents := `
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
);`
	require.NoError(t, conn.Exec(outboxEvents).Error)
	return conn
}

func newOutboxRow(eventType enums.OutboxEventType, status enums.OutboxStatus) models.OutboxEvent {
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateIncident,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1,"eventId":"e","occurredAt":"2025-03-01T00:00:00Z","data":{}}`),
		Status:        status,
		MaxRetries:    3,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRepositoryInsertRequiresTx(t *testing.T) {
	repo := NewRepository(setupOutboxTestDB(t))
	err := repo.Insert(nil, newOutboxRow(enums.EventIncidentDetected, enums.OutboxPending))
	assert.Error(t, err)
}

func TestRepositoryMarkCompleted(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	row := newOutboxRow(enums.EventIncidentDetected, enums.OutboxProcessing)
	now := time.Now().UTC()
	row.ClaimedAt = &now
	require.NoError(t, conn.Create(&row).Error)

	require.NoError(t, repo.MarkCompleted(ctx, row.ID))

	var got models.OutboxEvent
	require.NoError(t, conn.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, enums.OutboxCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.ClaimedAt)
}

func TestRepositoryMarkForRetryIncrementsAndSchedules(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	row := newOutboxRow(enums.EventIncidentDetected, enums.OutboxProcessing)
	require.NoError(t, conn.Create(&row).Error)

	retryAt := time.Now().UTC().Add(10 * time.Second)
	require.NoError(t, repo.MarkForRetry(ctx, row.ID, retryAt, errors.New("publish timeout")))

	var got models.OutboxEvent
	require.NoError(t, conn.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, enums.OutboxPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "publish timeout", *got.LastError)
}

func TestRepositoryMarkFailedIsTerminal(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	row := newOutboxRow(enums.EventIncidentDetected, enums.OutboxProcessing)
	row.RetryCount = 3
	require.NoError(t, conn.Create(&row).Error)

	require.NoError(t, repo.MarkFailed(ctx, row.ID, errors.New("topic gone")))

	var got models.OutboxEvent
	require.NoError(t, conn.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, enums.OutboxFailed, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	require.NotNil(t, got.LastError)
}

func TestRepositoryReleaseExpiredClaims(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	stale := newOutboxRow(enums.EventIncidentDetected, enums.OutboxProcessing)
	staleClaim := time.Now().UTC().Add(-time.Hour)
	stale.ClaimedAt = &staleClaim
	require.NoError(t, conn.Create(&stale).Error)

	fresh := newOutboxRow(enums.EventIncidentDetected, enums.OutboxProcessing)
	freshClaim := time.Now().UTC()
	fresh.ClaimedAt = &freshClaim
	require.NoError(t, conn.Create(&fresh).Error)

	released, err := repo.ReleaseExpiredClaims(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	var got models.OutboxEvent
	require.NoError(t, conn.First(&got, "id = ?", stale.ID).Error)
	assert.Equal(t, enums.OutboxPending, got.Status)

	got = models.OutboxEvent{}
	require.NoError(t, conn.First(&got, "id = ?", fresh.ID).Error)
	assert.Equal(t, enums.OutboxProcessing, got.Status)
}

func TestRepositoryDeleteCompletedBefore(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	old := newOutboxRow(enums.EventIncidentDetected, enums.OutboxCompleted)
	oldProcessed := time.Now().UTC().Add(-30 * 24 * time.Hour)
	old.ProcessedAt = &oldProcessed
	require.NoError(t, conn.Create(&old).Error)

	recent := newOutboxRow(enums.EventIncidentDetected, enums.OutboxCompleted)
	recentProcessed := time.Now().UTC()
	recent.ProcessedAt = &recentProcessed
	require.NoError(t, conn.Create(&recent).Error)

	pending := newOutboxRow(enums.EventIncidentDetected, enums.OutboxPending)
	require.NoError(t, conn.Create(&pending).Error)

	deleted, err := repo.DeleteCompletedBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestRepositoryStatusCounts(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	require.NoError(t, conn.Create(ptr(newOutboxRow(enums.EventIncidentDetected, enums.OutboxPending))).Error)
	require.NoError(t, conn.Create(ptr(newOutboxRow(enums.EventIncidentDetected, enums.OutboxPending))).Error)
	require.NoError(t, conn.Create(ptr(newOutboxRow(enums.EventActionRequested, enums.OutboxFailed))).Error)

	counts, err := repo.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[enums.OutboxPending])
	assert.Equal(t, int64(1), counts[enums.OutboxFailed])
}

func TestRepositoryExistsTx(t *testing.T) {
	conn := setupOutboxTestDB(t)
	repo := NewRepository(conn)

	row := newOutboxRow(enums.EventIncidentDetected, enums.OutboxPending)
	require.NoError(t, conn.Create(&row).Error)

	exists, err := repo.ExistsTx(conn, row.EventType, row.AggregateType, row.AggregateID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsTx(conn, enums.EventActionRequested, row.AggregateType, row.AggregateID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func ptr(row models.OutboxEvent) *models.OutboxEvent {
	return &row
}
