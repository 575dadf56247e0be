package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// LogBatchCreatedEvent signals a batch of log lines landed for one source.
type LogBatchCreatedEvent struct {
	BatchID    uuid.UUID       `json:"batch_id"`
	Source     enums.LogSource `json:"source"`
	EntryCount int             `json:"entry_count"`
	EntryIDs   []uuid.UUID     `json:"entry_ids"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// IncidentDetectedEvent is emitted when a detection rule matches a log line.
type IncidentDetectedEvent struct {
	IncidentID   uuid.UUID       `json:"incident_id"`
	RuleName     string          `json:"rule_name"`
	Severity     enums.Severity  `json:"severity"`
	Source       enums.LogSource `json:"source"`
	Title        string          `json:"title"`
	JobName      string          `json:"job_name,omitempty"`
	BuildNumber  *int            `json:"build_number,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RunbookURL   string          `json:"runbook_url,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// IncidentResolvedEvent reports that an incident was closed and how long it stayed open.
type IncidentResolvedEvent struct {
	IncidentID       uuid.UUID              `json:"incident_id"`
	ResolutionMethod enums.ResolutionMethod `json:"resolution_method"`
	JobName          *string                `json:"job_name,omitempty"`
	DetectedAt       time.Time              `json:"detected_at"`
	ResolvedBy       *string                `json:"resolved_by,omitempty"`
	MTTRMinutes      float64                `json:"mttr_minutes"`
	ResolvedAt       time.Time              `json:"resolved_at"`
}

// ActionRequestedEvent tells the action runner to evaluate and execute a remediation.
type ActionRequestedEvent struct {
	ActionID    uuid.UUID        `json:"action_id"`
	IncidentID  *uuid.UUID       `json:"incident_id,omitempty"`
	ActionType  enums.ActionType `json:"action_type"`
	TargetJob   string           `json:"target_job"`
	TargetBuild *int             `json:"target_build,omitempty"`
	Parameters  string           `json:"parameters,omitempty"`
	RequestedBy string           `json:"requested_by"`
	RequestedAt time.Time        `json:"requested_at"`
}

// ActionCompletedEvent reports a successfully executed remediation.
type ActionCompletedEvent struct {
	ActionID        uuid.UUID        `json:"action_id"`
	IncidentID      *uuid.UUID       `json:"incident_id,omitempty"`
	ActionType      enums.ActionType `json:"action_type"`
	TargetJob       string           `json:"target_job"`
	Result          string           `json:"result,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// ActionFailedEvent reports a remediation that errored against the control plane.
type ActionFailedEvent struct {
	ActionID   uuid.UUID        `json:"action_id"`
	IncidentID *uuid.UUID       `json:"incident_id,omitempty"`
	ActionType enums.ActionType `json:"action_type"`
	TargetJob  string           `json:"target_job"`
	Error      string           `json:"error"`
	FinishedAt time.Time        `json:"finished_at"`
}
