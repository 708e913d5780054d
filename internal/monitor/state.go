package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/siteops/internal/models"
)

// ErrRemediationExhausted marks a failure episode whose single restart did
// not bring the service back. No further restarts happen until the service
// passes a probe again.
var ErrRemediationExhausted = errors.New("remediation exhausted")

// observation is what one poll learned about a service.
type observation struct {
	probeErr error
	breach   string
}

func newState(service string, now time.Time) *models.ServiceHealthState {
	return &models.ServiceHealthState{
		Service:        service,
		State:          models.HealthStateHealthy,
		LastTransition: now,
	}
}

// advance applies one poll to st and returns the resulting transitions.
// Remediation is not decided here; see Monitor.remediate.
func advance(st *models.ServiceHealthState, obs observation, threshold int, now time.Time) []models.Transition {
	st.LastProbe = now
	var out []models.Transition

	if obs.probeErr == nil {
		st.ConsecutiveFailures = 0
		st.RemediationAttempted = false
		if obs.breach != "" {
			st.LastError = obs.breach
			return appendTransition(out, st, models.HealthStateDegraded, obs.breach, now)
		}
		st.LastError = ""
		reason := "probe succeeded"
		if st.State == models.HealthStateRemediating {
			reason = "recovered after restart"
		}
		return appendTransition(out, st, models.HealthStateHealthy, reason, now)
	}

	st.ConsecutiveFailures++
	st.LastError = obs.probeErr.Error()
	reason := fmt.Sprintf("probe failed (%d consecutive): %v", st.ConsecutiveFailures, obs.probeErr)

	switch st.State {
	case models.HealthStateHealthy:
		out = appendTransition(out, st, models.HealthStateDegraded, reason, now)
		if st.ConsecutiveFailures >= threshold {
			out = appendTransition(out, st, models.HealthStateFailing, reason, now)
		}
	case models.HealthStateDegraded:
		if st.ConsecutiveFailures >= threshold {
			out = appendTransition(out, st, models.HealthStateFailing, reason, now)
		}
	case models.HealthStateRemediating:
		exhausted := fmt.Errorf("%w: still failing after restart: %v", ErrRemediationExhausted, obs.probeErr)
		st.LastError = exhausted.Error()
		out = appendTransition(out, st, models.HealthStateFailing, exhausted.Error(), now)
	}
	return out
}

// needsRemediation reports whether a restart is due: the service is Failing
// and its episode has not used its single restart yet.
func needsRemediation(st *models.ServiceHealthState) bool {
	return st.State == models.HealthStateFailing && !st.RemediationAttempted
}

func appendTransition(out []models.Transition, st *models.ServiceHealthState, to models.HealthState, reason string, now time.Time) []models.Transition {
	if st.State == to {
		return out
	}
	t := models.Transition{Service: st.Service, From: st.State, To: to, At: now, Reason: reason}
	st.State = to
	st.LastTransition = now
	return append(out, t)
}
