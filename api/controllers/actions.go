package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/api/responses"
	"github.com/opswatch/opswatch-backend/api/validators"
	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

type actionResponse struct {
	ID              uuid.UUID  `json:"id"`
	IncidentID      *uuid.UUID `json:"incident_id,omitempty"`
	ActionType      string     `json:"action_type"`
	TargetJob       string     `json:"target_job"`
	TargetBuild     *int       `json:"target_build,omitempty"`
	Parameters      *string    `json:"parameters,omitempty"`
	Status          string     `json:"status"`
	RiskLevel       string     `json:"risk_level"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	Result          *string    `json:"result,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RequestedBy     string     `json:"requested_by"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toActionResponse(action models.ActionExecution) actionResponse {
	return actionResponse{
		ID:              action.ID,
		IncidentID:      action.IncidentID,
		ActionType:      string(action.ActionType),
		TargetJob:       action.TargetJob,
		TargetBuild:     action.TargetBuild,
		Parameters:      action.Parameters,
		Status:          string(action.Status),
		RiskLevel:       string(action.RiskLevel),
		RejectionReason: action.RejectionReason,
		Result:          action.Result,
		ErrorMessage:    action.ErrorMessage,
		RequestedBy:     action.RequestedBy,
		StartedAt:       action.StartedAt,
		FinishedAt:      action.FinishedAt,
		DurationSeconds: action.DurationSeconds(),
		CreatedAt:       action.CreatedAt,
		UpdatedAt:       action.UpdatedAt,
	}
}

type requestActionRequest struct {
	ActionType  string  `json:"action_type" validate:"required,oneof=restart rollback stop"`
	TargetJob   string  `json:"target_job" validate:"required"`
	TargetBuild *int    `json:"target_build,omitempty"`
	Parameters  *string `json:"parameters,omitempty"`
	IncidentID  *string `json:"incident_id,omitempty"`
	RequestedBy string  `json:"requested_by,omitempty"`
}

// RequestAction queues a remediation for asynchronous execution.
func RequestAction(svc actions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestActionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actionType, err := enums.ParseActionType(req.ActionType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid action type"))
			return
		}

		params := actions.RequestParams{
			ActionType:  actionType,
			TargetJob:   req.TargetJob,
			TargetBuild: req.TargetBuild,
			Parameters:  req.Parameters,
			RequestedBy: req.RequestedBy,
		}
		if req.IncidentID != nil {
			incidentID, err := uuid.Parse(*req.IncidentID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid incident id"))
				return
			}
			params.IncidentID = &incidentID
		}

		action, err := svc.Request(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, toActionResponse(*action))
	}
}

// ListActions returns action executions filtered by status and incident.
func ListActions(svc actions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := actions.ListParams{}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseActionStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			params.Status = &status
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("incident_id")); raw != "" {
			incidentID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid incident id filter"))
				return
			}
			params.IncidentID = &incidentID
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

		resp := make([]actionResponse, 0, len(items))
		for _, item := range items {
			resp = append(resp, toActionResponse(item))
		}
		responses.WriteSuccess(w, resp)
	}
}

// GetAction returns one action execution by ID.
func GetAction(svc actions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		action, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toActionResponse(*action))
	}
}

// ActionStats reports counts and execution timing over a trailing window.
func ActionStats(svc actions.Service, logg *logger.Logger) http.HandlerFunc {
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
