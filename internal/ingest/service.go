package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/internal/detector"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

const (
	batchEventRetries    = 3
	incidentEventRetries = 5
)

// Service ingests log batches and turns rule matches into incidents.
type Service interface {
	Ingest(ctx context.Context, entries []models.LogEntry) (int, error)
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	Repo      Repository
	Incidents incidents.Repository
	DB        *db.Client
	Outbox    *outbox.Service
	Detector  *detector.Engine
	Logger    *logger.Logger
	Metrics   *metrics.PipelineMetrics
}

type service struct {
	repo      Repository
	incidents incidents.Repository
	db        *db.Client
	outbox    *outbox.Service
	detector  *detector.Engine
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
}

// NewService wires an ingestion service from its dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "log entry repository required")
	}
	if params.Incidents == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "incident repository required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "database client required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox service required")
	}
	if params.Detector == nil {
		params.Detector = detector.NewDefaultEngine()
	}
	return &service{
		repo:      params.Repo,
		incidents: params.Incidents,
		db:        params.DB,
		outbox:    params.Outbox,
		detector:  params.Detector,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

// Ingest persists the batch, runs detection, and queues the resulting
// events inside a single transaction. An empty batch never opens one.
func (s *service) Ingest(ctx context.Context, entries []models.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "log batch is empty")
	}

	now := time.Now()
	source := entries[0].Source
	for i := range entries {
		entry := &entries[i]
		if !entry.Source.IsValid() {
			return 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid log source")
		}
		if entry.Source != source {
			return 0, pkgerrors.New(pkgerrors.CodeValidation, "mixed sources in one batch")
		}
		if !entry.Level.IsValid() {
			return 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid log level")
		}
		if entry.Message == "" {
			return 0, pkgerrors.New(pkgerrors.CodeValidation, "log message is empty")
		}
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
	}

	batchID := uuid.New()
	matches := s.detector.EvaluateBatch(entries)

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).InsertBatch(ctx, entries); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert log batch")
		}

		incidentRepo := s.incidents.WithTx(tx)
		byEntry := make(map[int]*models.Incident, len(matches))
		for _, match := range matches {
			entry := entries[match.EntryIndex]
			incident := &models.Incident{
				ID:          uuid.New(),
				RuleName:    match.Match.RuleName,
				Severity:    match.Match.Severity,
				Status:      enums.IncidentDetected,
				Title:       match.Match.Title,
				Description: match.Match.Description,
				Source:      entry.Source,
				JobName:     entry.JobName,
				LogEntryID:  &entry.ID,
				Details:     incidentDetails(entry),
			}
			if match.Match.Runbook != "" {
				runbook := match.Match.Runbook
				incident.RunbookURL = &runbook
			}
			if err := incidentRepo.Insert(ctx, incident); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert incident")
			}
			byEntry[match.EntryIndex] = incident
		}

		entryIDs := make([]uuid.UUID, len(entries))
		for i, entry := range entries {
			entryIDs[i] = entry.ID
		}
		batchEventType := enums.EventJenkinsLogCreated
		if source == enums.LogSourceAPI {
			batchEventType = enums.EventAPILogCreated
		}
		batchEvent := outbox.DomainEvent{
			EventType:     batchEventType,
			AggregateType: enums.AggregateLogBatch,
			AggregateID:   batchID,
			Data: payloads.LogBatchCreatedEvent{
				BatchID:    batchID,
				Source:     source,
				EntryCount: len(entries),
				EntryIDs:   entryIDs,
				IngestedAt: now,
			},
			Version:    1,
			MaxRetries: batchEventRetries,
		}
		if err := s.outbox.Emit(ctx, tx, batchEvent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue batch event")
		}

		for _, urgent := range detector.FilterCritical(matches) {
			incident := byEntry[urgent.EntryIndex]
			entry := entries[urgent.EntryIndex]
			payload := payloads.IncidentDetectedEvent{
				IncidentID:   incident.ID,
				RuleName:     incident.RuleName,
				Severity:     incident.Severity,
				Source:       incident.Source,
				Title:        incident.Title,
				BuildNumber:  buildNumber(entry),
				ErrorMessage: entry.Message,
				DetectedAt:   now,
			}
			if incident.RunbookURL != nil {
				payload.RunbookURL = *incident.RunbookURL
			}
			if incident.JobName != nil {
				payload.JobName = *incident.JobName
			}
			event := outbox.DomainEvent{
				EventType:     enums.EventIncidentDetected,
				AggregateType: enums.AggregateIncident,
				AggregateID:   incident.ID,
				Data:          payload,
				Version:       1,
				MaxRetries:    incidentEventRetries,
			}
			if err := s.outbox.Emit(ctx, tx, event); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue incident event")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		for _, match := range matches {
			s.metrics.IncIncidentOpened(match.Match.RuleName, string(match.Match.Severity))
		}
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"batch_id":    batchID.String(),
			"source":      source,
			"entry_count": len(entries),
			"incidents":   len(matches),
		})
		s.logg.Info(logCtx, "log batch ingested")
	}
	return len(entries), nil
}

// incidentDetails snapshots the triggering log line's context so the
// incident stays useful after log retention trims the entry itself.
func incidentDetails(entry models.LogEntry) json.RawMessage {
	details := map[string]any{
		"message":   entry.Message,
		"log_level": entry.Level,
	}
	if entry.BuildID != nil {
		details["build_id"] = *entry.BuildID
	}
	if entry.Endpoint != nil {
		details["endpoint"] = *entry.Endpoint
	}
	if entry.Method != nil {
		details["method"] = *entry.Method
	}
	if entry.Status != nil {
		details["status_code"] = *entry.Status
	}
	if entry.LatencyMS != nil {
		details["latency_ms"] = *entry.LatencyMS
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}

func buildNumber(entry models.LogEntry) *int {
	if entry.BuildID == nil {
		return nil
	}
	n, err := strconv.Atoi(*entry.BuildID)
	if err != nil {
		return nil
	}
	return &n
}
