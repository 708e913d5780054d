package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siteops/internal/collector"
	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type services struct {
	mu   sync.Mutex
	list []models.ServiceDescriptor
}

func (s *services) Desired() []models.ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ServiceDescriptor(nil), s.list...)
}

func (s *services) set(list ...models.ServiceDescriptor) {
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
}

// scriptedProber returns the scripted results per service in order; the
// last result repeats.
type scriptedProber struct {
	mu      sync.Mutex
	results map[string][]error
}

func (p *scriptedProber) queue(service string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results == nil {
		p.results = map[string][]error{}
	}
	p.results[service] = errs
}

func (p *scriptedProber) Probe(_ context.Context, svc models.ServiceDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.results[svc.Name]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	if len(q) > 1 {
		p.results[svc.Name] = q[1:]
	}
	return err
}

type restarter struct {
	mu    sync.Mutex
	units []string
	err   error
}

func (r *restarter) Restart(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, name)
	return r.err
}

func (r *restarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

type usage struct {
	mu sync.Mutex
	u  collector.Usage
}

func (u *usage) Usage(context.Context, models.ServiceDescriptor) (collector.Usage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.u, nil
}

type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(_ context.Context, argv ...string) (executor.Result, error) {
	r.calls = append(r.calls, argv)
	return executor.Result{}, nil
}

var errDown = errors.New("connection refused")

func api() models.ServiceDescriptor {
	return models.ServiceDescriptor{
		Name:        "api",
		Unit:        "api.service",
		HealthCheck: models.HealthCheck{URL: "http://127.0.0.1:8080/health"},
		Desired:     true,
	}
}

func newTestMonitor(t *testing.T, opts Options) *Monitor {
	t.Helper()
	if opts.Lock == nil {
		opts.Lock = lock.New()
	}
	opts.Logger = zaptest.NewLogger(t)
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 2
	}
	return New(opts)
}

func states(ts []models.Transition) []models.HealthState {
	var out []models.HealthState
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func stateOf(t *testing.T, m *Monitor, service string) models.ServiceHealthState {
	t.Helper()
	for _, st := range m.States() {
		if st.Service == service {
			return st
		}
	}
	t.Fatalf("no state for %s", service)
	return models.ServiceHealthState{}
}

func TestMonitorRestartsOnceAndRecovers(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	prober := &scriptedProber{}
	prober.queue("api", errDown, errDown, nil)
	sup := &restarter{}
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup})
	ctx := context.Background()

	m.Poll(ctx)
	assert.Equal(t, models.HealthStateDegraded, stateOf(t, m, "api").State)

	m.Poll(ctx)
	st := stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateRemediating, st.State)
	assert.True(t, st.RemediationAttempted)
	assert.Equal(t, []string{"api.service"}, sup.units)

	m.Poll(ctx)
	st = stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateHealthy, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.RemediationAttempted)

	assert.Equal(t, []models.HealthState{
		models.HealthStateDegraded,
		models.HealthStateFailing,
		models.HealthStateRemediating,
		models.HealthStateHealthy,
	}, states(m.History()))
	assert.Equal(t, 1, sup.count())
}

func TestMonitorExhaustedEpisodeDoesNotRestartAgain(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	sup := &restarter{}
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.Poll(ctx)
	}

	st := stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateFailing, st.State)
	assert.Contains(t, st.LastError, ErrRemediationExhausted.Error())
	assert.Equal(t, 1, sup.count())

	// A passing probe ends the episode; the next failure episode may
	// restart again.
	prober.queue("api", nil, errDown, errDown)
	m.Poll(ctx)
	assert.Equal(t, models.HealthStateHealthy, stateOf(t, m, "api").State)
	m.Poll(ctx)
	m.Poll(ctx)
	assert.Equal(t, models.HealthStateRemediating, stateOf(t, m, "api").State)
	assert.Equal(t, 2, sup.count())
}

func TestMonitorFailedRestartLeavesServiceFailing(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	sup := &restarter{err: errors.New("unit not found")}
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup})

	m.Poll(context.Background())
	m.Poll(context.Background())

	st := stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateFailing, st.State)
	assert.True(t, st.RemediationAttempted)
	assert.Contains(t, st.LastError, "unit not found")

	m.Poll(context.Background())
	m.Poll(context.Background())
	assert.Equal(t, 1, sup.count())
}

func TestMonitorDefersRestartWhileLockHeld(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	sup := &restarter{}
	l := lock.New()
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup, Lock: l})
	ctx := context.Background()

	lease, err := l.Acquire("deploy:site:1234")
	require.NoError(t, err)

	m.Poll(ctx)
	m.Poll(ctx)
	m.Poll(ctx)
	st := stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateFailing, st.State)
	assert.False(t, st.RemediationAttempted)
	assert.Zero(t, sup.count())

	require.NoError(t, lease.Release())
	m.Poll(ctx)
	assert.Equal(t, models.HealthStateRemediating, stateOf(t, m, "api").State)
	assert.Equal(t, 1, sup.count())

	_, held := l.Held()
	assert.False(t, held, "remediation must release the lock")
}

func TestMonitorRestartCommand(t *testing.T) {
	svc := api()
	svc.Restart.Command = []string{"docker", "compose", "restart", "api"}
	svcs := &services{}
	svcs.set(svc)
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	runner := &recordingRunner{}
	sup := &restarter{}
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup, Runner: runner})

	m.Poll(context.Background())
	m.Poll(context.Background())

	require.Len(t, runner.calls, 1)
	assert.Equal(t, svc.Restart.Command, runner.calls[0])
	assert.Zero(t, sup.count())
}

func TestMonitorThresholdBreachDegrades(t *testing.T) {
	svc := api()
	svc.Thresholds = models.Thresholds{CPUPercent: 80}
	svcs := &services{}
	svcs.set(svc)
	res := &usage{u: collector.Usage{CPUPercent: 95, HaveCPU: true}}
	m := newTestMonitor(t, Options{Services: svcs, Prober: &scriptedProber{}, Resources: res, Supervisor: &restarter{}})

	m.Poll(context.Background())
	st := stateOf(t, m, "api")
	assert.Equal(t, models.HealthStateDegraded, st.State)
	assert.Contains(t, st.LastError, "cpu 95.0% > 80.0%")

	res.mu.Lock()
	res.u.CPUPercent = 20
	res.mu.Unlock()
	m.Poll(context.Background())
	assert.Equal(t, models.HealthStateHealthy, stateOf(t, m, "api").State)
}

func TestMonitorEmitsSamplesAndEvents(t *testing.T) {
	svc := api()
	svcs := &services{}
	svcs.set(svc)
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	res := &usage{u: collector.Usage{MemoryPercent: 40, HaveMemory: true}}
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Resources: res, Supervisor: &restarter{}})

	m.Poll(context.Background())

	batch := <-m.Samples()
	byName := map[models.Metric]float64{}
	for _, s := range batch {
		assert.Equal(t, "api", s.Labels["service"])
		byName[s.Name] = s.Value
	}
	assert.Equal(t, 0.0, byName[models.MetricProbeSuccess])
	assert.Equal(t, 1.0, byName[models.MetricConsecutiveFailures])
	assert.Equal(t, models.HealthStateDegraded.Value(), byName[models.MetricHealthState])
	assert.Equal(t, 40.0, byName[models.MetricMemoryUsage])

	ev := <-m.Events()
	assert.Equal(t, models.HealthStateHealthy, ev.From)
	assert.Equal(t, models.HealthStateDegraded, ev.To)
}

func TestMonitorNeverBlocksOnFullQueues(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	m := newTestMonitor(t, Options{Services: svcs, Prober: &scriptedProber{}, Supervisor: &restarter{}, SampleBuffer: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.Poll(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll blocked on a full sample queue")
	}
	assert.Len(t, m.Samples(), 1)
}

func TestMonitorForgetsRemovedServices(t *testing.T) {
	web := models.ServiceDescriptor{Name: "web", HealthCheck: models.HealthCheck{Address: "127.0.0.1:80"}, Desired: true}
	svcs := &services{}
	svcs.set(api(), web)
	m := newTestMonitor(t, Options{Services: svcs, Prober: &scriptedProber{}, Supervisor: &restarter{}})

	m.Poll(context.Background())
	require.Len(t, m.States(), 2)

	svcs.set(web)
	m.Poll(context.Background())
	st := m.States()
	require.Len(t, st, 1)
	assert.Equal(t, "web", st[0].Service)
}

func TestProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewProber(50 * time.Millisecond)
	err := p.HTTP(context.Background(), srv.URL, 200)

	var timeout *ProbeTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, srv.URL, timeout.Target)
}

func TestProberStatusAndTCP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	ctx := context.Background()
	assert.NoError(t, p.HTTP(ctx, srv.URL+"/health", 0))
	assert.Error(t, p.HTTP(ctx, srv.URL+"/", 200))
	assert.NoError(t, p.TCP(ctx, srv.Listener.Addr().String()))

	err := p.Probe(ctx, models.ServiceDescriptor{Name: "none"})
	assert.ErrorContains(t, err, "no health check")
}

type slowRestarter struct {
	started chan string
	release chan struct{}
}

func (r *slowRestarter) Restart(ctx context.Context, name string) error {
	r.started <- name
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestMonitorRestartsConcurrentFailuresTogether(t *testing.T) {
	web := api()
	web.Name, web.Unit = "web", "web.service"
	svcs := &services{}
	svcs.set(api(), web)
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	prober.queue("web", errDown)
	sup := &slowRestarter{started: make(chan string, 2), release: make(chan struct{})}
	l := lock.New()
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup, Lock: l})
	ctx := context.Background()

	m.Poll(ctx)
	done := make(chan struct{})
	go func() {
		m.Poll(ctx)
		close(done)
	}()

	var units []string
	for len(units) < 2 {
		select {
		case name := <-sup.started:
			units = append(units, name)
		case <-time.After(5 * time.Second):
			close(sup.release)
			t.Fatalf("only %v restarted while the other failing service waited", units)
		}
	}
	assert.ElementsMatch(t, []string{"api.service", "web.service"}, units)

	h, held := l.Held()
	require.True(t, held)
	assert.Contains(t, h.ID, "monitor:restart:")

	close(sup.release)
	<-done
	for _, name := range []string{"api", "web"} {
		st := stateOf(t, m, name)
		assert.Equal(t, models.HealthStateRemediating, st.State)
		assert.True(t, st.RemediationAttempted)
	}
	_, held = l.Held()
	assert.False(t, held)
}

func TestMonitorRestartsDuringCertificateRenewal(t *testing.T) {
	svcs := &services{}
	svcs.set(api())
	prober := &scriptedProber{}
	prober.queue("api", errDown)
	sup := &restarter{}
	l := lock.New()
	group := lock.NewGroup(l)
	m := newTestMonitor(t, Options{Services: svcs, Prober: prober, Supervisor: sup, Lock: l, Group: group})

	renewal, err := group.Join("certs:renew")
	require.NoError(t, err)
	defer renewal.Release()

	m.Poll(context.Background())
	m.Poll(context.Background())
	assert.Equal(t, 1, sup.count())
	assert.True(t, stateOf(t, m, "api").RemediationAttempted)
}
