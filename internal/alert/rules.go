package alert

import (
	"time"

	"github.com/siteops/internal/models"
)

const (
	DefaultWindow         = 15 * time.Minute
	DefaultInterval       = 15 * time.Second
	DefaultRepeatInterval = 4 * time.Hour
	DefaultReceiver       = "default"
)

// normalizeRules fills in the defaults a rule may leave out.
func normalizeRules(rules []models.AlertRule) []models.AlertRule {
	out := make([]models.AlertRule, len(rules))
	for i, r := range rules {
		if r.Expr.Func == "" {
			r.Expr.Func = models.AggLast
		}
		if r.RepeatInterval <= 0 {
			r.RepeatInterval = DefaultRepeatInterval
		}
		if r.Level == "" {
			r.Level = models.AlertLevelWarning
		}
		if r.Receiver == "" {
			r.Receiver = DefaultReceiver
		}
		out[i] = r
	}
	return out
}

// DefaultRules are used when no rules are configured.
func DefaultRules() []models.AlertRule {
	return normalizeRules([]models.AlertRule{
		{
			Name:        "service_failing",
			Description: "Service failed its health probe repeatedly",
			Expr:        models.Expr{Metric: models.MetricHealthState},
			Operator:    models.OperatorGTE,
			Threshold:   models.HealthStateFailing.Value(),
			Level:       models.AlertLevelCritical,
		},
		{
			Name:        "high_cpu_usage",
			Description: "CPU usage above 90%",
			Expr:        models.Expr{Metric: models.MetricCPUUsage},
			Operator:    models.OperatorGT,
			Threshold:   90,
			Sustain:     5 * time.Minute,
			Level:       models.AlertLevelWarning,
		},
		{
			Name:        "critical_memory_usage",
			Description: "Memory usage above 95%",
			Expr:        models.Expr{Metric: models.MetricMemoryUsage},
			Operator:    models.OperatorGT,
			Threshold:   95,
			Sustain:     3 * time.Minute,
			Level:       models.AlertLevelCritical,
		},
		{
			Name:        "disk_almost_full",
			Description: "Disk usage above 90%",
			Expr:        models.Expr{Metric: models.MetricDiskUsage, Func: models.AggMin, Range: 10 * time.Minute},
			Operator:    models.OperatorGT,
			Threshold:   90,
			Level:       models.AlertLevelWarning,
		},
	})
}
