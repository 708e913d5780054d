package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/models"
)

type fakeHistory struct {
	runs []models.DeploymentRun
	recs []models.NotificationRecord
}

func (h fakeHistory) RunsBetween(context.Context, time.Time, time.Time) ([]models.DeploymentRun, error) {
	return h.runs, nil
}

func (h fakeHistory) NotificationsBetween(context.Context, time.Time, time.Time) ([]models.NotificationRecord, error) {
	return h.recs, nil
}

func run(plan string, status models.RunStatus, failed string, start time.Time, d time.Duration) models.DeploymentRun {
	return models.DeploymentRun{Plan: plan, Status: status, FailedPhase: failed, StartedAt: start, FinishedAt: start.Add(d)}
}

func TestCollect(t *testing.T) {
	day := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h := fakeHistory{
		runs: []models.DeploymentRun{
			run("site", models.RunStatusSucceeded, "", day, time.Minute),
			run("site", models.RunStatusFailed, "verify-backend", day.Add(time.Hour), 3*time.Minute),
			run("api", models.RunStatusCancelled, "", day.Add(24*time.Hour), time.Minute),
			run("site", models.RunStatusFailed, "verify-backend", day.Add(25*time.Hour), time.Minute),
		},
		recs: []models.NotificationRecord{
			{Receiver: "ops", Rules: "high_cpu_usage,service_failing", Firing: 2, Status: "sent"},
			{Receiver: "mail", Rules: "service_failing", Resolved: 1, Status: "failed"},
		},
	}

	data, err := NewGenerator(h).Collect(context.Background(), day, day.Add(7*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, DeploymentSummary{Total: 4, Succeeded: 1, Failed: 2, Cancelled: 1}, data.Deployments)

	require.Len(t, data.Plans, 2)
	assert.Equal(t, "site", data.Plans[0].Plan)
	assert.Equal(t, 3, data.Plans[0].Runs)
	assert.Equal(t, models.RunStatusFailed, data.Plans[0].LastStatus)
	assert.Equal(t, 100*time.Second, data.Plans[0].AvgDuration)
	assert.InDelta(t, 33.3, data.Plans[0].SuccessRate(), 0.1)

	require.Len(t, data.FailedPhases, 1)
	assert.Equal(t, PhaseSummary{Plan: "site", Phase: "verify-backend", Failures: 2}, data.FailedPhases[0])

	require.Len(t, data.Trend, 2)
	assert.Equal(t, 2, data.Trend[0].Runs)
	assert.Equal(t, 1, data.Trend[0].Succeeded)

	n := data.Notifications
	assert.Equal(t, 2, n.Total)
	assert.Equal(t, 1, n.Failed)
	assert.Equal(t, []string{"mail", "ops"}, n.Receivers)
	assert.Equal(t, RuleCount{Rule: "service_failing", Count: 2}, n.ByRule[0])
}

func TestHTML(t *testing.T) {
	g := NewGenerator(fakeHistory{})
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	data := &Data{
		StartTime:   day,
		EndTime:     day.Add(7 * 24 * time.Hour),
		Deployments: DeploymentSummary{Total: 1, Succeeded: 1},
		Plans:       []PlanSummary{{Plan: "<site>", Runs: 1, Succeeded: 1}},
	}
	body, err := g.HTML(data)
	require.NoError(t, err)
	assert.Contains(t, body, "siteops report 2026-06-01 - 2026-06-08")
	assert.Contains(t, body, "&lt;site&gt;")
	assert.Contains(t, body, "100%")
	assert.Equal(t, "siteops report (2026-06-01 - 2026-06-08)", Subject(data))
}
