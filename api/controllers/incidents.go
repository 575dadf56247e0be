package controllers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/api/responses"
	"github.com/opswatch/opswatch-backend/api/validators"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

type incidentResponse struct {
	ID               uuid.UUID       `json:"id"`
	RuleName         string          `json:"rule_name"`
	Severity         string          `json:"severity"`
	Status           string          `json:"status"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Source           string          `json:"source"`
	JobName          *string         `json:"job_name,omitempty"`
	LogEntryID       *uuid.UUID      `json:"log_entry_id,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	RunbookURL       *string         `json:"runbook_url,omitempty"`
	ResolutionMethod *string         `json:"resolution_method,omitempty"`
	ResolutionNotes  *string         `json:"resolution_notes,omitempty"`
	AcknowledgedBy   *string         `json:"acknowledged_by,omitempty"`
	ResolvedBy       *string         `json:"resolved_by,omitempty"`
	NotifiedAt       *time.Time      `json:"notified_at,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	MTTRMinutes      *float64        `json:"mttr_minutes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toIncidentResponse(incident models.Incident) incidentResponse {
	resp := incidentResponse{
		ID:              incident.ID,
		RuleName:        incident.RuleName,
		Severity:        string(incident.Severity),
		Status:          string(incident.Status),
		Title:           incident.Title,
		Description:     incident.Description,
		Source:          string(incident.Source),
		JobName:         incident.JobName,
		LogEntryID:      incident.LogEntryID,
		Details:         incident.Details,
		RunbookURL:      incident.RunbookURL,
		ResolutionNotes: incident.ResolutionNotes,
		AcknowledgedBy:  incident.AcknowledgedBy,
		ResolvedBy:      incident.ResolvedBy,
		NotifiedAt:      incident.NotifiedAt,
		AcknowledgedAt:  incident.AcknowledgedAt,
		ResolvedAt:      incident.ResolvedAt,
		MTTRMinutes:     incident.MTTRMinutes(),
		CreatedAt:       incident.CreatedAt,
		UpdatedAt:       incident.UpdatedAt,
	}
	if incident.ResolutionMethod != nil {
		method := string(*incident.ResolutionMethod)
		resp.ResolutionMethod = &method
	}
	return resp
}

// ListIncidents returns incidents filtered by status, severity, and source.
func ListIncidents(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := incidents.ListParams{}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseIncidentStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			params.Status = &status
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("severity")); raw != "" {
			severity, err := enums.ParseSeverity(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid severity filter"))
				return
			}
			params.Severity = &severity
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("source")); raw != "" {
			source, err := enums.ParseLogSource(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid source filter"))
				return
			}
			params.Source = &source
		}

		limit, err := validators.ParseQueryInt(r, "limit", 0, 1, 200)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params.Limit = limit

		items, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := make([]incidentResponse, 0, len(items))
		for _, item := range items {
			resp = append(resp, toIncidentResponse(item))
		}
		responses.WriteSuccess(w, resp)
	}
}

// GetIncident returns one incident by ID.
func GetIncident(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		incident, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toIncidentResponse(*incident))
	}
}

// IncidentStats reports counts and MTTR over a trailing window.
func IncidentStats(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours, err := validators.ParseQueryInt(r, "window_hours", 24, 1, 24*30)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stats, err := svc.Stats(r.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

type acknowledgeIncidentRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// AcknowledgeIncident marks a new incident as being worked on.
func AcknowledgeIncident(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var actor *string
		if r.ContentLength != 0 {
			var req acknowledgeIncidentRequest
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if trimmed := strings.TrimSpace(req.AcknowledgedBy); trimmed != "" {
				actor = &trimmed
			}
		}

		incident, err := svc.Acknowledge(r.Context(), id, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toIncidentResponse(*incident))
	}
}

// InvestigateIncident moves an acknowledged incident into active investigation.
func InvestigateIncident(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		incident, err := svc.Investigate(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toIncidentResponse(*incident))
	}
}

type resolveIncidentRequest struct {
	ResolutionMethod string `json:"resolution_method" validate:"required"`
	ResolvedBy       string `json:"resolved_by"`
	ResolutionNotes  string `json:"resolution_notes"`
}

// ResolveIncident closes an incident and records how it was fixed.
func ResolveIncident(svc incidents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req resolveIncidentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		method, err := enums.ParseResolutionMethod(req.ResolutionMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid resolution method"))
			return
		}

		res := incidents.Resolution{Method: method}
		if trimmed := strings.TrimSpace(req.ResolvedBy); trimmed != "" {
			res.By = &trimmed
		}
		if trimmed := strings.TrimSpace(req.ResolutionNotes); trimmed != "" {
			res.Notes = &trimmed
		}

		incident, err := svc.Resolve(r.Context(), id, res)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toIncidentResponse(*incident))
	}
}

func parseIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid id")
	}
	return id, nil
}
