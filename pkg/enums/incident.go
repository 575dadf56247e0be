package enums

import "fmt"

// IncidentStatus maps to the incident_status enum in Postgres.
type IncidentStatus string

const (
	IncidentDetected      IncidentStatus = "detected"
	IncidentNotified      IncidentStatus = "notified"
	IncidentAcknowledged  IncidentStatus = "acknowledged"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
)

var validIncidentStatuses = []IncidentStatus{
	IncidentDetected,
	IncidentNotified,
	IncidentAcknowledged,
	IncidentInvestigating,
	IncidentResolved,
}

// statusRank orders the lifecycle. Transitions only move forward, and
// resolved is terminal.
var statusRank = map[IncidentStatus]int{
	IncidentDetected:      0,
	IncidentNotified:      1,
	IncidentAcknowledged:  2,
	IncidentInvestigating: 3,
	IncidentResolved:      4,
}

// IsValid reports whether the value matches the canonical incident_status enum.
func (s IncidentStatus) IsValid() bool {
	for _, candidate := range validIncidentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseIncidentStatus converts raw input into IncidentStatus.
func ParseIncidentStatus(value string) (IncidentStatus, error) {
	for _, candidate := range validIncidentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid incident status %q", value)
}

// IsTerminal reports whether the status admits no further transitions.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentResolved
}

// CanTransitionTo enforces the monotone lifecycle: a status may only
// advance to a later stage, skipping intermediate stages is allowed, and
// nothing leaves resolved.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ActiveIncidentStatuses lists every status an incident can hold before
// it is resolved.
func ActiveIncidentStatuses() []IncidentStatus {
	return []IncidentStatus{
		IncidentDetected,
		IncidentNotified,
		IncidentAcknowledged,
		IncidentInvestigating,
	}
}

// ResolutionMethod maps to the resolution_method enum in Postgres.
type ResolutionMethod string

const (
	ResolutionManual     ResolutionMethod = "manual"
	ResolutionAutomated  ResolutionMethod = "automated"
	ResolutionSelfHealed ResolutionMethod = "self_healed"
)

var validResolutionMethods = []ResolutionMethod{
	ResolutionManual,
	ResolutionAutomated,
	ResolutionSelfHealed,
}

// IsValid reports whether the value matches the canonical resolution_method enum.
func (m ResolutionMethod) IsValid() bool {
	for _, candidate := range validResolutionMethods {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseResolutionMethod converts raw input into ResolutionMethod.
func ParseResolutionMethod(value string) (ResolutionMethod, error) {
	for _, candidate := range validResolutionMethods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid resolution method %q", value)
}
