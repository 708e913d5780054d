package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type fakeHealth struct{}

func (fakeHealth) States() []models.ServiceHealthState {
	return []models.ServiceHealthState{
		{Service: "api", State: models.HealthStateHealthy},
		{Service: "web", State: models.HealthStateFailing, ConsecutiveFailures: 3},
	}
}

func (fakeHealth) History() []models.Transition {
	return []models.Transition{
		{Service: "web", From: models.HealthStateHealthy, To: models.HealthStateDegraded},
		{Service: "api", From: models.HealthStateDegraded, To: models.HealthStateHealthy},
	}
}

type fakeAlerts struct{}

func (fakeAlerts) Active() []models.AlertInstance {
	return []models.AlertInstance{
		{Rule: "service_failing", Level: models.AlertLevelCritical, Status: models.AlertStatusFiring},
		{Rule: "high_cpu", Level: models.AlertLevelWarning, Status: models.AlertStatusFiring},
	}
}

type fakeCerts struct{}

func (fakeCerts) States() []certs.DomainState {
	return []certs.DomainState{{Domain: "app.example.com", Status: certs.StatusValid}}
}

type fakeHistory struct {
	plan  string
	limit int
	err   error
}

func (h *fakeHistory) RecentRuns(_ context.Context, plan string, limit int) ([]models.DeploymentRun, error) {
	h.plan, h.limit = plan, limit
	return []models.DeploymentRun{{RunID: "r1", Plan: "site", Status: models.RunStatusSucceeded}}, h.err
}

func (h *fakeHistory) RecentNotifications(context.Context, int) ([]models.NotificationRecord, error) {
	return []models.NotificationRecord{{Receiver: "ops", Status: "sent"}}, h.err
}

func newServer(t *testing.T, hist *fakeHistory, l *lock.Lock) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "siteops_test_total", Help: "test"}))
	s := NewServer(Config{
		Health:   fakeHealth{},
		Alerts:   fakeAlerts{},
		Certs:    fakeCerts{},
		History:  hist,
		Lock:     l,
		Gatherer: reg,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusReportsLockHolder(t *testing.T) {
	l := lock.New()
	lease, err := l.Acquire("deploy:site:abcd1234")
	require.NoError(t, err)
	defer lease.Release()
	srv := newServer(t, &fakeHistory{}, l)

	var st Status
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/status", &st))
	require.Len(t, st.Services, 2)
	assert.Equal(t, models.HealthStateFailing, st.Services[1].State)
	require.NotNil(t, st.Lock)
	assert.Equal(t, "deploy:site:abcd1234", st.Lock.ID)
	assert.Equal(t, 2, st.FiringAlerts)
	require.Len(t, st.Certificates, 1)
}

func TestFilters(t *testing.T) {
	srv := newServer(t, &fakeHistory{}, lock.New())

	var alerts []models.AlertInstance
	getJSON(t, srv.URL+"/api/v1/alerts?level=critical", &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "service_failing", alerts[0].Rule)

	var transitions []models.Transition
	getJSON(t, srv.URL+"/api/v1/transitions?service=web", &transitions)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.HealthStateDegraded, transitions[0].To)
}

func TestDeployments(t *testing.T) {
	hist := &fakeHistory{}
	srv := newServer(t, hist, lock.New())

	var runs []models.DeploymentRun
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/deployments?plan=site&limit=5", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "site", hist.plan)
	assert.Equal(t, 5, hist.limit)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/deployments?limit=x", nil))

	hist.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/v1/notifications", nil))
}

func TestMetricsAndHealthz(t *testing.T) {
	srv := newServer(t, &fakeHistory{}, lock.New())

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var b strings.Builder
	_, err = io.Copy(&b, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, b.String(), "siteops_test_total 0")
}
