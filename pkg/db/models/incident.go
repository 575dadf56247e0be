package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// Incident is a detected anomaly tied back to the log lines that triggered it.
type Incident struct {
	ID               uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RuleName         string                  `gorm:"column:rule_name;type:text;not null"`
	Severity         enums.Severity          `gorm:"column:severity;type:severity;not null"`
	Status           enums.IncidentStatus    `gorm:"column:status;type:incident_status;not null;default:detected"`
	Title            string                  `gorm:"column:title;type:text;not null"`
	Description      string                  `gorm:"column:description;type:text"`
	Source           enums.LogSource         `gorm:"column:source;type:log_source;not null"`
	JobName          *string                 `gorm:"column:job_name;type:text"`
	LogEntryID       *uuid.UUID              `gorm:"column:log_entry_id;type:uuid"`
	Details          json.RawMessage         `gorm:"column:details;type:jsonb"`
	RunbookURL       *string                 `gorm:"column:runbook_url;type:text"`
	ResolutionMethod *enums.ResolutionMethod `gorm:"column:resolution_method;type:resolution_method"`
	ResolutionNotes  *string                 `gorm:"column:resolution_notes;type:text"`
	AcknowledgedBy   *string                 `gorm:"column:acknowledged_by;type:text"`
	ResolvedBy       *string                 `gorm:"column:resolved_by;type:text"`
	NotifiedAt       *time.Time              `gorm:"column:notified_at;type:timestamptz"`
	AcknowledgedAt   *time.Time              `gorm:"column:acknowledged_at;type:timestamptz"`
	ResolvedAt       *time.Time              `gorm:"column:resolved_at;type:timestamptz"`
	CreatedAt        time.Time               `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;type:timestamptz;autoUpdateTime"`
}

// MTTRMinutes returns the minutes between detection and resolution, or
// nil while the incident is still active.
func (i Incident) MTTRMinutes() *float64 {
	if i.ResolvedAt == nil {
		return nil
	}
	mins := i.ResolvedAt.Sub(i.CreatedAt).Minutes()
	return &mins
}
