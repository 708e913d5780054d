package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/siteops/internal/collector"
	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
	"github.com/siteops/internal/telemetry"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultConcurrency = 10
	defaultBuffer      = 1024
	historySize        = 200
)

// ServiceSource lists the services to watch.
type ServiceSource interface {
	Desired() []models.ServiceDescriptor
}

// HealthProber checks one service.
type HealthProber interface {
	Probe(ctx context.Context, svc models.ServiceDescriptor) error
}

// ResourceReader reports a service's resource usage.
type ResourceReader interface {
	Usage(ctx context.Context, svc models.ServiceDescriptor) (collector.Usage, error)
}

// Restarter restarts a supervised unit.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

type Options struct {
	Services   ServiceSource
	Prober     HealthProber
	Resources  ResourceReader
	Supervisor Restarter
	Runner     executor.Runner
	Lock       *lock.Lock
	// Group is the process-wide hold shared with other background workers
	// such as certificate renewal. Defaults to a group over Lock.
	Group            *lock.Group
	Logger           *zap.Logger
	Interval         time.Duration
	FailureThreshold int
	Concurrency      int
	SampleBuffer     int
	RestartTimeout   time.Duration
}

// Monitor polls services, drives the per-service state machine and
// performs at most one restart per failure episode. Restarts only happen
// while the monitor's lock group holds the deployment lock, so concurrent
// restarts share one hold and only an outside holder defers them.
type Monitor struct {
	services   ServiceSource
	prober     HealthProber
	resources  ResourceReader
	supervisor Restarter
	runner     executor.Runner
	lock       *lock.Group
	log        *zap.Logger
	interval   time.Duration
	threshold  int
	sem        *semaphore.Weighted
	restartTTL time.Duration
	now        func() time.Time

	samples chan []models.MetricSample
	events  chan models.Transition

	mu           sync.Mutex
	states       map[string]*models.ServiceHealthState
	remediations map[string]int
	history      []models.Transition
}

func New(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 2
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SampleBuffer < 1 {
		opts.SampleBuffer = defaultBuffer
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = 2 * time.Minute
	}
	if opts.Group == nil {
		opts.Group = lock.NewGroup(opts.Lock)
	}
	return &Monitor{
		services:     opts.Services,
		prober:       opts.Prober,
		resources:    opts.Resources,
		supervisor:   opts.Supervisor,
		runner:       opts.Runner,
		lock:         opts.Group,
		log:          opts.Logger,
		interval:     opts.Interval,
		threshold:    opts.FailureThreshold,
		sem:          semaphore.NewWeighted(int64(opts.Concurrency)),
		restartTTL:   opts.RestartTimeout,
		now:          time.Now,
		samples:      make(chan []models.MetricSample, opts.SampleBuffer),
		events:       make(chan models.Transition, opts.SampleBuffer),
		states:       map[string]*models.ServiceHealthState{},
		remediations: map[string]int{},
	}
}

// Samples delivers one batch of samples per polled service.
func (m *Monitor) Samples() <-chan []models.MetricSample { return m.samples }

// Events delivers every state transition.
func (m *Monitor) Events() <-chan models.Transition { return m.events }

// Run polls immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("health monitor started", zap.Duration("interval", m.interval), zap.Int("failure_threshold", m.threshold))
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one round over every desired service.
func (m *Monitor) Poll(ctx context.Context) {
	services := m.services.Desired()
	m.forget(services)

	var wg sync.WaitGroup
	for _, svc := range services {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(svc models.ServiceDescriptor) {
			defer wg.Done()
			defer m.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("service poll panicked", zap.String("service", svc.Name), zap.Any("panic", r))
				}
			}()
			m.pollService(ctx, svc)
		}(svc)
	}
	wg.Wait()
}

func (m *Monitor) pollService(ctx context.Context, svc models.ServiceDescriptor) {
	obs := observation{probeErr: m.prober.Probe(ctx, svc)}
	telemetry.ObserveProbe(svc.Name, obs.probeErr == nil)

	var usage collector.Usage
	if m.resources != nil {
		u, err := m.resources.Usage(ctx, svc)
		if err != nil {
			m.log.Debug("resource usage unavailable", zap.String("service", svc.Name), zap.Error(err))
		}
		usage = u
		obs.breach = breach(svc.Thresholds, u)
	}

	now := m.now()
	st := m.state(svc.Name, now)
	transitions := advance(&st, obs, m.threshold, now)
	if needsRemediation(&st) {
		transitions = append(transitions, m.remediate(ctx, svc, &st)...)
	}
	snapshot, count := m.store(st)

	for _, t := range transitions {
		m.report(t)
	}
	telemetry.SetHealthState(svc.Name, snapshot.State.Value())
	m.emit(m.sampleBatch(svc.Name, snapshot, obs, usage, count, now))
}

// remediate restarts svc once for the current episode, holding the
// deployment lock for the duration of the restart. While a holder outside
// the monitor's group has the lock the service stays Failing and the
// restart is retried on a later poll.
func (m *Monitor) remediate(ctx context.Context, svc models.ServiceDescriptor, st *models.ServiceHealthState) []models.Transition {
	log := m.log.With(zap.String("service", svc.Name))
	lease, err := m.lock.Join("monitor:restart:" + svc.Name)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			log.Info("remediation deferred, deployment lock held", zap.String("holder", held.Holder.ID))
		} else {
			log.Warn("remediation deferred, lock unavailable", zap.Error(err))
		}
		return nil
	}
	defer func() {
		if err := lease.Release(); err != nil {
			log.Error("failed to release deployment lock", zap.Error(err))
		}
	}()

	st.RemediationAttempted = true
	m.mu.Lock()
	m.remediations[svc.Name]++
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.restartTTL)
	defer cancel()
	err = m.restart(rctx, svc)
	telemetry.ObserveRemediation(svc.Name, err == nil)
	now := m.now()
	if err != nil {
		exhausted := fmt.Errorf("%w: restart failed: %v", ErrRemediationExhausted, err)
		st.LastError = exhausted.Error()
		log.Error("restart failed", zap.Error(err))
		return nil
	}
	log.Info("service restarted")
	return appendTransition(nil, st, models.HealthStateRemediating, "restart issued", now)
}

func (m *Monitor) restart(ctx context.Context, svc models.ServiceDescriptor) error {
	if len(svc.Restart.Command) > 0 {
		if m.runner == nil {
			return errors.New("no command runner for restart command")
		}
		_, err := m.runner.Run(ctx, svc.Restart.Command...)
		return err
	}
	if m.supervisor == nil {
		return errors.New("no supervisor configured")
	}
	return m.supervisor.Restart(ctx, svc.UnitName())
}

func (m *Monitor) report(t models.Transition) {
	fields := []zap.Field{
		zap.String("service", t.Service),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", t.Reason),
	}
	if t.To == models.HealthStateFailing {
		m.log.Warn("service state changed", fields...)
	} else {
		m.log.Info("service state changed", fields...)
	}

	m.mu.Lock()
	m.history = append(m.history, t)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()

	select {
	case m.events <- t:
	default:
		telemetry.DroppedSample()
	}
}

func (m *Monitor) emit(batch []models.MetricSample) {
	select {
	case m.samples <- batch:
	default:
		telemetry.DroppedSample()
		m.log.Debug("sample queue full, dropping batch", zap.Int("samples", len(batch)))
	}
}

func (m *Monitor) sampleBatch(service string, st models.ServiceHealthState, obs observation, usage collector.Usage, remediations int, now time.Time) []models.MetricSample {
	labels := func() map[string]string { return map[string]string{"service": service} }
	probe := 1.0
	if obs.probeErr != nil {
		probe = 0
	}
	batch := []models.MetricSample{
		{Name: models.MetricHealthState, Value: st.State.Value(), Timestamp: now, Labels: labels()},
		{Name: models.MetricProbeSuccess, Value: probe, Timestamp: now, Labels: labels()},
		{Name: models.MetricConsecutiveFailures, Value: float64(st.ConsecutiveFailures), Timestamp: now, Labels: labels()},
		{Name: models.MetricRemediation, Value: float64(remediations), Timestamp: now, Labels: labels()},
	}
	return append(batch, collector.UsageSamples(service, usage, now)...)
}

// state returns a working copy of a service's state; store publishes it.
func (m *Monitor) state(service string, now time.Time) models.ServiceHealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[service]
	if !ok {
		st = newState(service, now)
		m.states[service] = st
	}
	return *st
}

func (m *Monitor) store(st models.ServiceHealthState) (models.ServiceHealthState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[st.Service]; ok {
		*cur = st
	}
	return st, m.remediations[st.Service]
}

// forget drops state of services no longer desired.
func (m *Monitor) forget(desired []models.ServiceDescriptor) {
	keep := make(map[string]bool, len(desired))
	for _, svc := range desired {
		keep[svc.Name] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.states {
		if !keep[name] {
			delete(m.states, name)
			delete(m.remediations, name)
			telemetry.ForgetService(name)
		}
	}
}

// States returns a copy of every service's state sorted by service.
func (m *Monitor) States() []models.ServiceHealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ServiceHealthState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// History returns the most recent transitions, oldest first.
func (m *Monitor) History() []models.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transition(nil), m.history...)
}

// breach describes the first exceeded threshold, or returns "".
func breach(t models.Thresholds, u collector.Usage) string {
	var parts []string
	if u.HaveCPU && t.CPUPercent > 0 && u.CPUPercent > t.CPUPercent {
		parts = append(parts, fmt.Sprintf("cpu %.1f%% > %.1f%%", u.CPUPercent, t.CPUPercent))
	}
	if u.HaveMemory && t.MemoryPercent > 0 && u.MemoryPercent > t.MemoryPercent {
		parts = append(parts, fmt.Sprintf("memory %.1f%% > %.1f%%", u.MemoryPercent, t.MemoryPercent))
	}
	if u.HaveDisk && t.DiskPercent > 0 && u.DiskPercent > t.DiskPercent {
		parts = append(parts, fmt.Sprintf("disk %.1f%% > %.1f%%", u.DiskPercent, t.DiskPercent))
	}
	return strings.Join(parts, ", ")
}
