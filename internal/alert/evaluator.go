package alert

import (
	"time"

	"github.com/siteops/internal/models"
)

// ruleState tracks one rule against one series between evaluations.
type ruleState struct {
	// ViolationStart is when the current unbroken run of the condition
	// began; zero while the condition does not hold.
	ViolationStart time.Time
	// checked is the newest sample already compared for last rules.
	checked   time.Time
	LastValue float64
}

func (st *ruleState) reset() {
	st.ViolationStart = time.Time{}
}

// evaluate updates st with the samples of s visible at now and reports
// whether the rule is firing, i.e. its condition held without interruption
// for at least the rule's sustain duration.
func (st *ruleState) evaluate(rule models.AlertRule, s *series, now time.Time) bool {
	var from time.Time
	if rule.Expr.Range > 0 {
		from = now.Add(-rule.Expr.Range)
	}
	points := s.between(from, now)
	if len(points) == 0 {
		st.reset()
		return false
	}

	switch rule.Expr.Func {
	case models.AggAvg, models.AggMin, models.AggMax:
		st.LastValue = aggregate(rule.Expr.Func, points)
		if !rule.Operator.Compare(st.LastValue, rule.Threshold) {
			st.reset()
			return false
		}
		if st.ViolationStart.IsZero() {
			st.ViolationStart = now
		}
	default:
		// Every sample since the previous evaluation counts, so a single
		// dip between two evaluations restarts the sustain timer.
		for _, p := range points {
			if !p.ts.After(st.checked) {
				continue
			}
			if rule.Operator.Compare(p.value, rule.Threshold) {
				if st.ViolationStart.IsZero() {
					st.ViolationStart = p.ts
				}
			} else {
				st.reset()
			}
			st.checked = p.ts
		}
		st.LastValue = points[len(points)-1].value
		if !rule.Operator.Compare(st.LastValue, rule.Threshold) {
			st.reset()
		}
		if st.ViolationStart.IsZero() {
			return false
		}
	}

	return now.Sub(st.ViolationStart) >= rule.Sustain
}

func aggregate(fn models.AggFunc, points []point) float64 {
	v := points[0].value
	switch fn {
	case models.AggAvg:
		var sum float64
		for _, p := range points {
			sum += p.value
		}
		return sum / float64(len(points))
	case models.AggMin:
		for _, p := range points[1:] {
			if p.value < v {
				v = p.value
			}
		}
	case models.AggMax:
		for _, p := range points[1:] {
			if p.value > v {
				v = p.value
			}
		}
	}
	return v
}
