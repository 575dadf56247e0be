package incidents

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

func setupIncidentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	incidents := `
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
);`
	require.NoError(t, conn.Exec(incidents).Error)
	return conn
}

func newIncident(severity enums.Severity, status enums.IncidentStatus) *models.Incident {
	return &models.Incident{
		ID:       uuid.New(),
		RuleName: "jenkins_build_failure",
		Severity: severity,
		Status:   status,
		Title:    "Build failure detected",
		Source:   enums.LogSourceJenkins,
	}
}

func TestRepositoryMarkNotified(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityHigh, enums.IncidentDetected)
	require.NoError(t, repo.Insert(ctx, incident))

	outcome, err := repo.MarkNotified(ctx, incident.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.True(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.IncidentNotified, loaded.Status)
	assert.NotNil(t, loaded.NotifiedAt)
}

func TestRepositoryMarkNotifiedOnlyFromDetected(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityHigh, enums.IncidentAcknowledged)
	require.NoError(t, repo.Insert(ctx, incident))

	outcome, err := repo.MarkNotified(ctx, incident.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.False(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.IncidentAcknowledged, loaded.Status)
}

func TestRepositoryAcknowledgeRecordsActor(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityHigh, enums.IncidentNotified)
	require.NoError(t, repo.Insert(ctx, incident))

	actor := "oncall@opswatch.dev"
	outcome, err := repo.Acknowledge(ctx, incident.ID, &actor, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.True(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.IncidentAcknowledged, loaded.Status)
	assert.NotNil(t, loaded.AcknowledgedAt)
	require.NotNil(t, loaded.AcknowledgedBy)
	assert.Equal(t, actor, *loaded.AcknowledgedBy)
}

func TestRepositoryAcknowledgeWithoutActor(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityMedium, enums.IncidentDetected)
	require.NoError(t, repo.Insert(ctx, incident))

	outcome, err := repo.Acknowledge(ctx, incident.ID, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.IncidentAcknowledged, loaded.Status)
	assert.Nil(t, loaded.AcknowledgedBy)
}

func TestRepositoryAcknowledgeResolvedIncidentDoesNothing(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityHigh, enums.IncidentResolved)
	require.NoError(t, repo.Insert(ctx, incident))

	outcome, err := repo.Acknowledge(ctx, incident.ID, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.False(t, outcome.Updated)
}

func TestRepositoryAcknowledgeMissingIncident(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))

	outcome, err := repo.Acknowledge(context.Background(), uuid.New(), nil, time.Now())
	require.NoError(t, err)
	assert.False(t, outcome.Found)
	assert.False(t, outcome.Updated)
}

func TestRepositoryStartInvestigatingRequiresAcknowledged(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	acked := newIncident(enums.SeverityHigh, enums.IncidentAcknowledged)
	detected := newIncident(enums.SeverityHigh, enums.IncidentDetected)
	require.NoError(t, repo.Insert(ctx, acked))
	require.NoError(t, repo.Insert(ctx, detected))

	outcome, err := repo.StartInvestigating(ctx, acked.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, acked.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.IncidentInvestigating, loaded.Status)

	outcome, err = repo.StartInvestigating(ctx, detected.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.False(t, outcome.Updated)
}

func TestRepositoryResolveFromAnyActiveStatus(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	fixtures := []*models.Incident{
		newIncident(enums.SeverityCritical, enums.IncidentDetected),
		newIncident(enums.SeverityHigh, enums.IncidentNotified),
		newIncident(enums.SeverityHigh, enums.IncidentAcknowledged),
		newIncident(enums.SeverityMedium, enums.IncidentInvestigating),
	}
	for _, incident := range fixtures {
		require.NoError(t, repo.Insert(ctx, incident))
	}

	for _, incident := range fixtures {
		outcome, err := repo.Resolve(ctx, incident.ID, Resolution{Method: enums.ResolutionAutomated}, time.Now())
		require.NoError(t, err)
		assert.True(t, outcome.Updated)

		loaded, err := repo.GetByID(ctx, incident.ID)
		require.NoError(t, err)
		assert.Equal(t, enums.IncidentResolved, loaded.Status)
		require.NotNil(t, loaded.ResolutionMethod)
		assert.Equal(t, enums.ResolutionAutomated, *loaded.ResolutionMethod)
		assert.NotNil(t, loaded.ResolvedAt)
	}
}

func TestRepositoryResolveRecordsActorAndNotes(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityHigh, enums.IncidentAcknowledged)
	require.NoError(t, repo.Insert(ctx, incident))

	by := "oncall@opswatch.dev"
	notes := "rolled back to build 117"
	outcome, err := repo.Resolve(ctx, incident.ID, Resolution{
		Method: enums.ResolutionManual,
		By:     &by,
		Notes:  &notes,
	}, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ResolvedBy)
	assert.Equal(t, by, *loaded.ResolvedBy)
	require.NotNil(t, loaded.ResolutionNotes)
	assert.Equal(t, notes, *loaded.ResolutionNotes)
}

func TestRepositoryResolveIsTerminal(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	incident := newIncident(enums.SeverityMedium, enums.IncidentDetected)
	require.NoError(t, repo.Insert(ctx, incident))

	first, err := repo.Resolve(ctx, incident.ID, Resolution{Method: enums.ResolutionManual}, time.Now())
	require.NoError(t, err)
	assert.True(t, first.Updated)

	second, err := repo.Resolve(ctx, incident.ID, Resolution{Method: enums.ResolutionAutomated}, time.Now())
	require.NoError(t, err)
	assert.True(t, second.Found)
	assert.False(t, second.Updated)

	loaded, err := repo.GetByID(ctx, incident.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ResolutionMethod)
	assert.Equal(t, enums.ResolutionManual, *loaded.ResolutionMethod)
}

func TestRepositoryListFilters(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()

	critical := newIncident(enums.SeverityCritical, enums.IncidentDetected)
	resolved := newIncident(enums.SeverityLow, enums.IncidentResolved)
	require.NoError(t, repo.Insert(ctx, critical))
	require.NoError(t, repo.Insert(ctx, resolved))

	status := enums.IncidentDetected
	detected, err := repo.List(ctx, ListParams{Status: &status})
	require.NoError(t, err)
	require.Len(t, detected, 1)
	assert.Equal(t, critical.ID, detected[0].ID)

	severity := enums.SeverityLow
	low, err := repo.List(ctx, ListParams{Severity: &severity})
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, resolved.ID, low[0].ID)

	all, err := repo.List(ctx, ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepositoryStats(t *testing.T) {
	repo := NewRepository(setupIncidentsTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	detected := newIncident(enums.SeverityCritical, enums.IncidentDetected)
	detected.CreatedAt = now.Add(-time.Hour)
	require.NoError(t, repo.Insert(ctx, detected))

	resolved := newIncident(enums.SeverityHigh, enums.IncidentResolved)
	resolved.CreatedAt = now.Add(-30 * time.Minute)
	resolvedAt := now.Add(-20 * time.Minute)
	resolved.ResolvedAt = &resolvedAt
	require.NoError(t, repo.Insert(ctx, resolved))

	stale := newIncident(enums.SeverityLow, enums.IncidentDetected)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, repo.Insert(ctx, stale))

	stats, err := repo.Stats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[enums.IncidentDetected])
	assert.Equal(t, int64(1), stats.ByStatus[enums.IncidentResolved])
	assert.Equal(t, int64(1), stats.BySeverity[enums.SeverityCritical])
	assert.Equal(t, int64(1), stats.BySeverity[enums.SeverityHigh])
	require.NotNil(t, stats.AvgMTTRMinutes)
	assert.InDelta(t, 10, *stats.AvgMTTRMinutes, 0.5)
}
