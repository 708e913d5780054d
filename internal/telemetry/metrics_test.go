package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObservers(t *testing.T) {
	ObserveDeployment("full", "succeeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(deploymentsTotal.WithLabelValues("full", "succeeded")))

	SetHealthState("api", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(healthState.WithLabelValues("api")))
	ForgetService("api")
	assert.Equal(t, 0, testutil.CollectAndCount(healthState))

	ObserveNotification("ops", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(notificationsTotal.WithLabelValues("ops", "failure")))

	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	SetCertificateExpiry("api.example.com", expiry)
	assert.Equal(t, float64(expiry.Unix()), testutil.ToFloat64(certificateExpirySeconds.WithLabelValues("api.example.com")))
}
