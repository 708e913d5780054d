package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/api"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type health struct{}

func (health) States() []models.ServiceHealthState {
	return []models.ServiceHealthState{{Service: "api", State: models.HealthStateDegraded}}
}

func (health) History() []models.Transition {
	return []models.Transition{{Service: "api", From: models.HealthStateHealthy, To: models.HealthStateDegraded}}
}

type alerts struct{}

func (alerts) Active() []models.AlertInstance {
	return []models.AlertInstance{
		{Rule: "service_failing", Level: models.AlertLevelCritical},
		{Rule: "high_cpu", Level: models.AlertLevelWarning},
	}
}

func TestClientRoundTrip(t *testing.T) {
	s := api.NewServer(api.Config{Health: health{}, Alerts: alerts{}, Lock: lock.New()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Services, 1)
	assert.Nil(t, st.Lock)
	assert.Equal(t, 2, st.FiringAlerts)

	warn, err := c.Alerts(ctx, "warning")
	require.NoError(t, err)
	require.Len(t, warn, 1)
	assert.Equal(t, "high_cpu", warn[0].Rule)

	tr, err := c.Transitions(ctx, "api")
	require.NoError(t, err)
	assert.Len(t, tr, 1)

	_, err = c.Deployments(ctx, "site", 3)
	assert.ErrorContains(t, err, "history store not configured")

	_, err = New(srv.URL+"/missing", time.Second).Status(ctx)
	assert.ErrorContains(t, err, "404")
}
