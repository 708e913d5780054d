package models

import (
	"sort"
	"strings"
	"time"
)

type Metric string

const (
	MetricHealthState         Metric = "service_health_state"
	MetricProbeSuccess        Metric = "service_probe_success"
	MetricConsecutiveFailures Metric = "service_consecutive_failures"
	MetricCPUUsage            Metric = "service_cpu_percent"
	MetricMemoryUsage         Metric = "service_memory_percent"
	MetricDiskUsage           Metric = "service_disk_percent"
	MetricRemediation         Metric = "service_remediation_total"
)

// MetricSample is one observation of a metric series.
type MetricSample struct {
	Name      Metric            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// SeriesKey identifies the series a sample belongs to: the metric name plus
// its labels in sorted order.
func (s MetricSample) SeriesKey() string {
	return seriesKey(s.Name, s.Labels)
}

func seriesKey(name Metric, labels map[string]string) string {
	if len(labels) == 0 {
		return string(name)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(name))
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
