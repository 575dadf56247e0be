package enums

import "fmt"

// ActionType maps to the action_type enum in Postgres.
type ActionType string

const (
	ActionRestart  ActionType = "restart"
	ActionRollback ActionType = "rollback"
	ActionStop     ActionType = "stop"
)

var validActionTypes = []ActionType{
	ActionRestart,
	ActionRollback,
	ActionStop,
}

// IsValid reports whether the value matches the canonical action_type enum.
func (a ActionType) IsValid() bool {
	for _, candidate := range validActionTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseActionType converts raw input into ActionType.
func ParseActionType(value string) (ActionType, error) {
	for _, candidate := range validActionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid action type %q", value)
}

// ActionStatus maps to the action_status enum in Postgres.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionRejected  ActionStatus = "rejected"
)

var validActionStatuses = []ActionStatus{
	ActionPending,
	ActionRunning,
	ActionCompleted,
	ActionFailed,
	ActionRejected,
}

// IsValid reports whether the value matches the canonical action_status enum.
func (s ActionStatus) IsValid() bool {
	for _, candidate := range validActionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseActionStatus converts raw input into ActionStatus.
func ParseActionStatus(value string) (ActionStatus, error) {
	for _, candidate := range validActionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid action status %q", value)
}

// IsTerminal reports whether the status admits no further transitions.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionRejected
}

// CanTransitionTo enforces the pending -> running -> completed/failed
// machine. Rejection happens only before execution starts.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	switch s {
	case ActionPending:
		return next == ActionRunning || next == ActionRejected
	case ActionRunning:
		return next == ActionCompleted || next == ActionFailed
	default:
		return false
	}
}

// RiskLevel classifies how disruptive an action is expected to be.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskModerate  RiskLevel = "moderate"
	RiskDangerous RiskLevel = "dangerous"
	RiskForbidden RiskLevel = "forbidden"
)

var validRiskLevels = []RiskLevel{
	RiskSafe,
	RiskModerate,
	RiskDangerous,
	RiskForbidden,
}

// IsValid reports whether the value matches the canonical risk_level enum.
func (r RiskLevel) IsValid() bool {
	for _, candidate := range validRiskLevels {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRiskLevel converts raw input into RiskLevel.
func ParseRiskLevel(value string) (RiskLevel, error) {
	for _, candidate := range validRiskLevels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid risk level %q", value)
}
