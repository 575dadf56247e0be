package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

func TestServiceEmitWritesEnvelopeAndDefaults(t *testing.T) {
	conn := setupOutboxTestDB(t)
	svc := NewService(NewRepository(conn), nil, 3)

	incidentID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventIncidentDetected,
		AggregateType: enums.AggregateIncident,
		AggregateID:   incidentID,
		Data: payloads.IncidentDetectedEvent{
			IncidentID: incidentID,
			RuleName:   "api_5xx_error",
			Severity:   enums.SeverityCritical,
			Source:     enums.LogSourceAPI,
			Title:      "API server error",
			DetectedAt: time.Now().UTC(),
		},
		Version: 1,
	}

	tx := conn.Begin()
	require.NoError(t, tx.Error)
	require.NoError(t, svc.Emit(context.Background(), tx, event))
	require.NoError(t, tx.Commit().Error)

	var row models.OutboxEvent
	require.NoError(t, conn.First(&row, "aggregate_id = ?", incidentID).Error)
	assert.Equal(t, enums.OutboxPending, row.Status)
	assert.Equal(t, 3, row.MaxRetries)
	assert.Equal(t, 0, row.RetryCount)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &envelope))
	assert.NotEmpty(t, envelope.EventID)
	assert.False(t, envelope.OccurredAt.IsZero())

	var payload payloads.IncidentDetectedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, "api_5xx_error", payload.RuleName)
}

func TestServiceEmitHonorsMaxRetries(t *testing.T) {
	conn := setupOutboxTestDB(t)
	svc := NewService(NewRepository(conn), nil, 3)

	incidentID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventIncidentDetected,
		AggregateType: enums.AggregateIncident,
		AggregateID:   incidentID,
		Data:          payloads.IncidentDetectedEvent{IncidentID: incidentID},
		MaxRetries:    5,
	}

	tx := conn.Begin()
	require.NoError(t, tx.Error)
	require.NoError(t, svc.Emit(context.Background(), tx, event))
	require.NoError(t, tx.Commit().Error)

	var row models.OutboxEvent
	require.NoError(t, conn.First(&row, "aggregate_id = ?", incidentID).Error)
	assert.Equal(t, 5, row.MaxRetries)
}

func TestServiceEmitRequiresTx(t *testing.T) {
	svc := NewService(NewRepository(setupOutboxTestDB(t)), nil, 3)
	err := svc.Emit(context.Background(), nil, DomainEvent{})
	assert.Error(t, err)
}

func TestServiceEmitIfNotExistsSkipsDuplicates(t *testing.T) {
	conn := setupOutboxTestDB(t)
	svc := NewService(NewRepository(conn), nil, 3)

	incidentID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventIncidentDetected,
		AggregateType: enums.AggregateIncident,
		AggregateID:   incidentID,
		Data:          payloads.IncidentDetectedEvent{IncidentID: incidentID},
	}

	for i := 0; i < 2; i++ {
		tx := conn.Begin()
		require.NoError(t, tx.Error)
		require.NoError(t, svc.EmitIfNotExists(context.Background(), tx, event))
		require.NoError(t, tx.Commit().Error)
	}

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("aggregate_id = ?", incidentID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
