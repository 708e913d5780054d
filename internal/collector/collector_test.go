package collector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/models"
)

type staticServices []models.ServiceDescriptor

func (s staticServices) Desired() []models.ServiceDescriptor { return s }

type fakeStatsAPI struct {
	bodies map[string]string
}

func (f fakeStatsAPI) ContainerStats(_ context.Context, id string, _ bool) (types.ContainerStats, error) {
	body, ok := f.bodies[id]
	if !ok {
		return types.ContainerStats{}, errors.New("no such container: " + id)
	}
	return types.ContainerStats{Body: io.NopCloser(strings.NewReader(body))}, nil
}

const apiStats = `{
  "cpu_stats": {"cpu_usage": {"total_usage": 400}, "system_cpu_usage": 2000, "online_cpus": 2},
  "precpu_stats": {"cpu_usage": {"total_usage": 200}, "system_cpu_usage": 1000},
  "memory_stats": {"usage": 256, "limit": 1024}
}`

func TestDockerStatsUsage(t *testing.T) {
	d := NewDockerStats(fakeStatsAPI{bodies: map[string]string{"siteops-api": apiStats}}, nil)

	u, err := d.Usage(context.Background(), models.ServiceDescriptor{Name: "api", Unit: "siteops-api"})
	require.NoError(t, err)
	assert.True(t, u.HaveCPU)
	assert.InDelta(t, 40.0, u.CPUPercent, 0.001)
	assert.True(t, u.HaveMemory)
	assert.InDelta(t, 25.0, u.MemoryPercent, 0.001)
}

func TestDockerStatsScrapeKeepsPartialResults(t *testing.T) {
	services := staticServices{{Name: "api", Desired: true}, {Name: "worker", Desired: true}}
	d := NewDockerStats(fakeStatsAPI{bodies: map[string]string{"api": apiStats}}, services)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	samples, err := d.Scrape(context.Background())
	require.Error(t, err)
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, "api", s.Labels["service"])
		assert.Equal(t, now, s.Timestamp)
	}
}

func TestPrometheusScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `# HELP node_load1 1m load average.
# TYPE node_load1 gauge
node_load1 0.42
# TYPE node_filesystem_avail_bytes gauge
node_filesystem_avail_bytes{mountpoint="/"} 1024
# TYPE http_requests_total counter
http_requests_total{code="500"} 7
`)
	}))
	defer srv.Close()

	p := NewPrometheus(PrometheusTarget{
		Name:    "node",
		URL:     srv.URL,
		Include: []string{"node_load1", "http_requests_total"},
		Labels:  map[string]string{"instance": "vps-1"},
	})
	samples, err := p.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	byName := map[models.Metric]models.MetricSample{}
	for _, s := range samples {
		byName[s.Name] = s
	}
	assert.InDelta(t, 0.42, byName["node_load1"].Value, 1e-9)
	assert.Equal(t, "vps-1", byName["node_load1"].Labels["instance"])
	assert.Equal(t, "500", byName["http_requests_total"].Labels["code"])
}

func TestPrometheusScrapeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewPrometheus(PrometheusTarget{URL: srv.URL}).Scrape(context.Background())
	assert.Error(t, err)
}

type stubCollector struct {
	name    string
	samples []models.MetricSample
	err     error
}

func (s stubCollector) Name() string { return s.name }
func (s stubCollector) Scrape(context.Context) ([]models.MetricSample, error) {
	return s.samples, s.err
}

func TestMultiJoinsErrors(t *testing.T) {
	m := Multi{
		stubCollector{name: "a", samples: []models.MetricSample{{Name: "x"}}},
		stubCollector{name: "b", err: errors.New("down")},
	}
	samples, err := m.Scrape(context.Background())
	assert.Len(t, samples, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: down")
}

func TestUsageReaderAddsDisk(t *testing.T) {
	r := NewUsageReader(nil)
	r.disk = func(string) (float64, error) { return 91.5, nil }

	u, err := r.Usage(context.Background(), models.ServiceDescriptor{Name: "db", DiskPath: "/var/lib/postgresql"})
	require.NoError(t, err)
	assert.True(t, u.HaveDisk)
	assert.False(t, u.HaveCPU)
	assert.Equal(t, 91.5, u.DiskPercent)
}
