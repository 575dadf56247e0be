package enums

import "fmt"

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventJenkinsLogCreated OutboxEventType = "jenkins_log_created"
	EventAPILogCreated     OutboxEventType = "api_log_created"
	EventIncidentDetected  OutboxEventType = "incident_detected"
	EventIncidentResolved  OutboxEventType = "incident_resolved"
	EventActionRequested   OutboxEventType = "action_requested"
	EventActionCompleted   OutboxEventType = "action_completed"
	EventActionFailed      OutboxEventType = "action_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventJenkinsLogCreated,
	EventAPILogCreated,
	EventIncidentDetected,
	EventIncidentResolved,
	EventActionRequested,
	EventActionCompleted,
	EventActionFailed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateLogBatch OutboxAggregateType = "log_batch"
	AggregateIncident OutboxAggregateType = "incident"
	AggregateAction   OutboxAggregateType = "action"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLogBatch,
	AggregateIncident,
	AggregateAction,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxStatus maps to the outbox_status enum in Postgres.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxPending,
	OutboxProcessing,
	OutboxCompleted,
	OutboxFailed,
}

// IsValid reports whether the value matches the canonical outbox_status enum.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
