package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/siteops/internal/models"
)

// Prometheus scrapes a text-format exposition endpoint, for example a node
// exporter, and converts gauges, counters and untyped metrics to samples.
type Prometheus struct {
	name    string
	url     string
	include map[string]bool
	labels  map[string]string
	client  *http.Client
	now     func() time.Time
}

// PrometheusTarget configures one scrape endpoint. An empty Include list
// keeps every metric family.
type PrometheusTarget struct {
	Name    string
	URL     string
	Include []string
	Labels  map[string]string
	Timeout time.Duration
}

func NewPrometheus(t PrometheusTarget) *Prometheus {
	if t.Timeout <= 0 {
		t.Timeout = 5 * time.Second
	}
	var include map[string]bool
	if len(t.Include) > 0 {
		include = make(map[string]bool, len(t.Include))
		for _, name := range t.Include {
			include[name] = true
		}
	}
	name := t.Name
	if name == "" {
		name = t.URL
	}
	return &Prometheus{
		name:    name,
		url:     t.URL,
		include: include,
		labels:  t.Labels,
		client:  &http.Client{Timeout: t.Timeout},
		now:     time.Now,
	}
}

func (p *Prometheus) Name() string { return "prometheus:" + p.name }

func (p *Prometheus) Scrape(ctx context.Context) ([]models.MetricSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain;version=0.0.4")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scrape %s: unexpected status %d", p.url, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.url, err)
	}
	return p.convert(families), nil
}

func (p *Prometheus) convert(families map[string]*dto.MetricFamily) []models.MetricSample {
	now := p.now()
	var out []models.MetricSample
	for name, mf := range families {
		if p.include != nil && !p.include[name] {
			continue
		}
		for _, m := range mf.GetMetric() {
			var value float64
			switch mf.GetType() {
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_UNTYPED:
				value = m.GetUntyped().GetValue()
			default:
				continue
			}
			labels := make(map[string]string, len(m.GetLabel())+len(p.labels))
			for k, v := range p.labels {
				labels[k] = v
			}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			ts := now
			if m.TimestampMs != nil {
				ts = time.UnixMilli(m.GetTimestampMs())
			}
			out = append(out, models.MetricSample{Name: models.Metric(name), Value: value, Timestamp: ts, Labels: labels})
		}
	}
	return out
}
