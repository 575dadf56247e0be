package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// LogEntry stores a single ingested log line from Jenkins or the API edge.
type LogEntry struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Source    enums.LogSource `gorm:"column:source;type:log_source;not null"`
	Level     enums.LogLevel  `gorm:"column:level;type:log_level;not null"`
	Message   string          `gorm:"column:message;type:text;not null"`
	JobName   *string         `gorm:"column:job_name;type:text"`
	BuildID   *string         `gorm:"column:build_id;type:text"`
	Endpoint  *string         `gorm:"column:endpoint;type:text"`
	Method    *string         `gorm:"column:method;type:text"`
	Status    *int            `gorm:"column:status_code"`
	LatencyMS *int            `gorm:"column:latency_ms"`
	Timestamp time.Time       `gorm:"column:timestamp;type:timestamptz;not null"`
	CreatedAt time.Time       `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
}
