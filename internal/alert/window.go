package alert

import (
	"sort"
	"time"

	"github.com/siteops/internal/models"
)

type point struct {
	ts    time.Time
	value float64
}

type series struct {
	name   models.Metric
	labels map[string]string
	points []point // ordered by ts
}

func (s *series) sample() models.MetricSample {
	return models.MetricSample{Name: s.name, Labels: s.labels}
}

// between returns the points with ts in [from, to].
func (s *series) between(from, to time.Time) []point {
	lo := sort.Search(len(s.points), func(i int) bool { return !s.points[i].ts.Before(from) })
	hi := sort.Search(len(s.points), func(i int) bool { return s.points[i].ts.After(to) })
	if lo >= hi {
		return nil
	}
	return s.points[lo:hi]
}

// window keeps the recent samples of every series.
type window struct {
	span   time.Duration
	series map[string]*series
}

func newWindow(span time.Duration) *window {
	return &window{span: span, series: map[string]*series{}}
}

func (w *window) add(m models.MetricSample) {
	key := m.SeriesKey()
	s, ok := w.series[key]
	if !ok {
		labels := make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			labels[k] = v
		}
		s = &series{name: m.Name, labels: labels}
		w.series[key] = s
	}

	p := point{ts: m.Timestamp, value: m.Value}
	n := len(s.points)
	if n == 0 || !p.ts.Before(s.points[n-1].ts) {
		s.points = append(s.points, p)
	} else {
		i := sort.Search(n, func(i int) bool { return s.points[i].ts.After(p.ts) })
		s.points = append(s.points, point{})
		copy(s.points[i+1:], s.points[i:])
		s.points[i] = p
	}
	s.points = trim(s.points, s.points[len(s.points)-1].ts.Add(-w.span))
}

// prune drops samples older than now minus the window span and forgets
// series left without samples.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	for key, s := range w.series {
		s.points = trim(s.points, cutoff)
		if len(s.points) == 0 {
			delete(w.series, key)
		}
	}
}

// keys returns the series keys in sorted order.
func (w *window) keys() []string {
	keys := make([]string, 0, len(w.series))
	for k := range w.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trim(points []point, cutoff time.Time) []point {
	i := sort.Search(len(points), func(i int) bool { return !points[i].ts.Before(cutoff) })
	if i == 0 {
		return points
	}
	return append(points[:0], points[i:]...)
}
