package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// ActionExecution tracks one remediation request through its lifecycle.
type ActionExecution struct {
	ID              uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	IncidentID      *uuid.UUID         `gorm:"column:incident_id;type:uuid"`
	ActionType      enums.ActionType   `gorm:"column:action_type;type:action_type;not null"`
	TargetJob       string             `gorm:"column:target_job;type:text;not null"`
	TargetBuild     *int               `gorm:"column:target_build"`
	Parameters      *string            `gorm:"column:parameters;type:jsonb"`
	Status          enums.ActionStatus `gorm:"column:status;type:action_status;not null;default:pending"`
	RiskLevel       enums.RiskLevel    `gorm:"column:risk_level;type:risk_level;not null;default:safe"`
	RejectionReason *string            `gorm:"column:rejection_reason;type:text"`
	Result          *string            `gorm:"column:result;type:text"`
	ErrorMessage    *string            `gorm:"column:error_message;type:text"`
	RequestedBy     string             `gorm:"column:requested_by;type:text;not null;default:system"`
	StartedAt       *time.Time         `gorm:"column:started_at;type:timestamptz"`
	FinishedAt      *time.Time         `gorm:"column:finished_at;type:timestamptz"`
	CreatedAt       time.Time          `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;type:timestamptz;autoUpdateTime"`
}

// DurationSeconds returns wall clock execution time once the action finished.
func (a ActionExecution) DurationSeconds() *float64 {
	if a.StartedAt == nil || a.FinishedAt == nil {
		return nil
	}
	secs := a.FinishedAt.Sub(*a.StartedAt).Seconds()
	return &secs
}
