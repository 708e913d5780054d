package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteops/internal/collector"
	"github.com/siteops/internal/models"
	"github.com/siteops/internal/telemetry"
)

// Sender delivers the notifications produced by one evaluation.
type Sender interface {
	Dispatch(ctx context.Context, notifications []models.Notification) error
}

type Options struct {
	Rules     []models.AlertRule
	Window    time.Duration
	Interval  time.Duration
	Collector collector.Collector
	Samples   <-chan []models.MetricSample
	Events    <-chan models.Transition
	Sender    Sender
	Logger    *zap.Logger
}

// Engine evaluates alert rules over a sliding window of samples and
// produces de-duplicated notifications.
type Engine struct {
	collector collector.Collector
	samples   <-chan []models.MetricSample
	events    <-chan models.Transition
	sender    Sender
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	rules  []models.AlertRule
	window *window
	states map[string]*ruleState
	active map[string]*models.AlertInstance
}

func New(opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		collector: opts.Collector,
		samples:   opts.Samples,
		events:    opts.Events,
		sender:    opts.Sender,
		interval:  opts.Interval,
		log:       opts.Logger,
		now:       time.Now,
		rules:     normalizeRules(opts.Rules),
		window:    newWindow(opts.Window),
		states:    map[string]*ruleState{},
		active:    map[string]*models.AlertInstance{},
	}
}

// SetRules replaces the rule set. Alerts of rules that no longer exist are
// dropped without a resolution notification.
func (e *Engine) SetRules(rules []models.AlertRule) {
	rules = normalizeRules(rules)
	names := make(map[string]bool, len(rules))
	for _, r := range rules {
		names[r.Name] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	for key, inst := range e.active {
		if !names[inst.Rule] {
			delete(e.active, key)
		}
	}
	for key := range e.states {
		if !names[ruleOf(key)] {
			delete(e.states, key)
		}
	}
	telemetry.SetAlertsFiring(len(e.active))
}

func (e *Engine) Rules() []models.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.AlertRule(nil), e.rules...)
}

// Ingest adds samples to the window.
func (e *Engine) Ingest(samples ...models.MetricSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range samples {
		e.window.add(s)
	}
}

// Evaluate checks every rule against every matching series at now, sends
// the due notifications grouped by receiver and returns the alerts that
// were due.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) []models.AlertInstance {
	due := e.evaluate(now)
	if len(due) > 0 && e.sender != nil {
		if err := e.sender.Dispatch(ctx, group(due, now)); err != nil {
			e.log.Error("failed to deliver notifications", zap.Error(err))
		}
	}
	return due
}

func (e *Engine) evaluate(now time.Time) []models.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.window.prune(now)
	var due []models.AlertInstance
	seen := map[string]bool{}

	for _, rule := range e.rules {
		for _, skey := range e.window.keys() {
			s := e.window.series[skey]
			if !rule.Expr.Matches(s.sample()) {
				continue
			}
			key := rule.Name + "\x00" + skey
			seen[key] = true

			st, ok := e.states[key]
			if !ok {
				st = &ruleState{}
				e.states[key] = st
			}
			firing := st.evaluate(rule, s, now)
			inst := e.active[key]

			switch {
			case firing && inst == nil:
				inst = &models.AlertInstance{
					Rule:         rule.Name,
					SeriesKey:    skey,
					Labels:       s.labels,
					Level:        rule.Level,
					Receiver:     rule.Receiver,
					Status:       models.AlertStatusFiring,
					Value:        st.LastValue,
					Condition:    rule.Condition(),
					FirstFired:   now,
					LastNotified: now,
				}
				e.active[key] = inst
				due = append(due, *inst)
				e.log.Warn("alert firing", zap.String("rule", rule.Name), zap.String("series", skey), zap.Float64("value", st.LastValue))
			case firing:
				inst.Value = st.LastValue
				if now.Sub(inst.LastNotified) >= rule.RepeatInterval {
					inst.LastNotified = now
					due = append(due, *inst)
				}
			case inst != nil:
				due = append(due, e.resolve(key, inst, now))
			}
		}
	}

	// Series that left the window no longer satisfy any condition.
	for key, inst := range e.active {
		if !seen[key] {
			due = append(due, e.resolve(key, inst, now))
		}
	}
	for key := range e.states {
		if !seen[key] {
			delete(e.states, key)
		}
	}

	telemetry.SetAlertsFiring(len(e.active))
	return due
}

func (e *Engine) resolve(key string, inst *models.AlertInstance, now time.Time) models.AlertInstance {
	delete(e.active, key)
	inst.Status = models.AlertStatusResolved
	inst.ResolvedAt = now
	e.log.Info("alert resolved", zap.String("rule", inst.Rule), zap.String("series", inst.SeriesKey))
	return *inst
}

// Active returns the firing alerts ordered by rule and series.
func (e *Engine) Active() []models.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.AlertInstance, 0, len(e.active))
	for _, inst := range e.active {
		out = append(out, *inst)
	}
	sortInstances(out)
	return out
}

// Run scrapes, ingests and evaluates every interval until ctx is done.
// Samples and events from the health monitor are ingested as they arrive.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.Info("alert engine started", zap.Duration("interval", e.interval), zap.Int("rules", len(e.Rules())))
	samples, events := e.samples, e.events
	for {
		select {
		case <-ctx.Done():
			e.log.Info("alert engine stopped")
			return nil
		case batch, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			e.Ingest(batch...)
		case t, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.Ingest(transitionSample(t))
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if e.collector != nil {
		sctx, cancel := context.WithTimeout(ctx, e.interval)
		samples, err := e.collector.Scrape(sctx)
		cancel()
		if err != nil {
			e.log.Warn("scrape failed", zap.String("collector", e.collector.Name()), zap.Error(err))
		}
		e.Ingest(samples...)
	}
	e.drain()
	e.Evaluate(ctx, e.now())
}

// drain ingests whatever the monitor queued without waiting for more.
func (e *Engine) drain() {
	for {
		select {
		case batch, ok := <-e.samples:
			if !ok {
				return
			}
			e.Ingest(batch...)
		default:
			return
		}
	}
}

// transitionSample records a state change as a health-state sample so a
// dropped sample batch does not hide it.
func transitionSample(t models.Transition) models.MetricSample {
	return models.MetricSample{
		Name:      models.MetricHealthState,
		Value:     t.To.Value(),
		Timestamp: t.At,
		Labels:    map[string]string{"service": t.Service},
	}
}

// group batches due alerts into one notification per receiver.
func group(due []models.AlertInstance, now time.Time) []models.Notification {
	byReceiver := map[string][]models.AlertInstance{}
	for _, a := range due {
		byReceiver[a.Receiver] = append(byReceiver[a.Receiver], a)
	}
	out := make([]models.Notification, 0, len(byReceiver))
	for receiver, alerts := range byReceiver {
		sortInstances(alerts)
		out = append(out, models.Notification{Receiver: receiver, Alerts: alerts, SentAt: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Receiver < out[j].Receiver })
	return out
}

func sortInstances(in []models.AlertInstance) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Rule != in[j].Rule {
			return in[i].Rule < in[j].Rule
		}
		return in[i].SeriesKey < in[j].SeriesKey
	})
}

func ruleOf(key string) string {
	name, _, _ := strings.Cut(key, "\x00")
	return name
}
