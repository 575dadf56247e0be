package controllers

import (
	"net/http"
	"time"

	"github.com/opswatch/opswatch-backend/api/responses"
	"github.com/opswatch/opswatch-backend/api/validators"
	"github.com/opswatch/opswatch-backend/internal/ingest"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

type logEntryRequest struct {
	Source     string     `json:"source" validate:"required"`
	Level      string     `json:"level" validate:"required"`
	Message    string     `json:"message" validate:"required"`
	JobName    *string    `json:"job_name,omitempty"`
	BuildID    *string    `json:"build_id,omitempty"`
	Endpoint   *string    `json:"endpoint,omitempty"`
	Method     *string    `json:"method,omitempty"`
	StatusCode *int       `json:"status_code,omitempty"`
	LatencyMS  *int       `json:"latency_ms,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type ingestLogsRequest struct {
	Entries []logEntryRequest `json:"entries" validate:"required,min=1,max=1000,dive"`
}

type ingestLogsResponse struct {
	Accepted int `json:"accepted"`
}

// IngestLogs accepts one batch of log lines and runs detection on it.
func IngestLogs(svc ingest.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestLogsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entries := make([]models.LogEntry, 0, len(req.Entries))
		for _, item := range req.Entries {
			source, err := enums.ParseLogSource(item.Source)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid log source"))
				return
			}
			level, err := enums.ParseLogLevel(item.Level)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid log level"))
				return
			}

			entry := models.LogEntry{
				Source:    source,
				Level:     level,
				Message:   item.Message,
				JobName:   item.JobName,
				BuildID:   item.BuildID,
				Endpoint:  item.Endpoint,
				Method:    item.Method,
				Status:    item.StatusCode,
				LatencyMS: item.LatencyMS,
			}
			if item.Timestamp != nil {
				entry.Timestamp = *item.Timestamp
			}
			entries = append(entries, entry)
		}

		accepted, err := svc.Ingest(r.Context(), entries)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, ingestLogsResponse{Accepted: accepted})
	}
}
