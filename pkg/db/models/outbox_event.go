package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// OutboxEvent is a pending integration event written in the same
// transaction as the state change it describes.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;type:event_type;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;type:aggregate_type;not null"`
	AggregateID   uuid.UUID                 `gorm:"column:aggregate_id;type:uuid;not null"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;not null"`
	Status        enums.OutboxStatus        `gorm:"column:status;type:outbox_status;not null;default:pending"`
	RetryCount    int                       `gorm:"column:retry_count;not null;default:0"`
	MaxRetries    int                       `gorm:"column:max_retries;not null;default:3"`
	NextRetryAt   *time.Time                `gorm:"column:next_retry_at;type:timestamptz"`
	ClaimedAt     *time.Time                `gorm:"column:claimed_at;type:timestamptz"`
	LastError     *string                   `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time                 `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
	ProcessedAt   *time.Time                `gorm:"column:processed_at;type:timestamptz"`
}
