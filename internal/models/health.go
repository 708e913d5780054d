package models

import "time"

type HealthState string

const (
	HealthStateHealthy     HealthState = "healthy"
	HealthStateDegraded    HealthState = "degraded"
	HealthStateFailing     HealthState = "failing"
	HealthStateRemediating HealthState = "remediating"
)

// Value is the numeric encoding used for the service_health_state metric.
func (s HealthState) Value() float64 {
	switch s {
	case HealthStateDegraded:
		return 1
	case HealthStateFailing:
		return 2
	case HealthStateRemediating:
		return 3
	default:
		return 0
	}
}

// ServiceHealthState is the monitor's per-service record.
type ServiceHealthState struct {
	Service              string      `json:"service"`
	State                HealthState `json:"state"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	LastTransition       time.Time   `json:"last_transition"`
	LastProbe            time.Time   `json:"last_probe"`
	RemediationAttempted bool        `json:"remediation_attempted"`
	LastError            string      `json:"last_error,omitempty"`
}

// Transition is a single state change of a service.
type Transition struct {
	Service string      `json:"service"`
	From    HealthState `json:"from"`
	To      HealthState `json:"to"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason"`
}
