package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/siteops/internal/models"
)

// History is the part of the history store a report reads.
type History interface {
	RunsBetween(ctx context.Context, from, to time.Time) ([]models.DeploymentRun, error)
	NotificationsBetween(ctx context.Context, from, to time.Time) ([]models.NotificationRecord, error)
}

type Data struct {
	StartTime     time.Time
	EndTime       time.Time
	Deployments   DeploymentSummary
	Plans         []PlanSummary
	FailedPhases  []PhaseSummary
	Notifications NotificationSummary
	Trend         []DayPoint
}

type DeploymentSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
}

type PlanSummary struct {
	Plan        string
	Runs        int
	Succeeded   int
	AvgDuration time.Duration
	LastStatus  models.RunStatus
}

// SuccessRate is the share of succeeded runs in percent.
func (p PlanSummary) SuccessRate() float64 {
	if p.Runs == 0 {
		return 0
	}
	return float64(p.Succeeded) * 100 / float64(p.Runs)
}

type PhaseSummary struct {
	Plan     string
	Phase    string
	Failures int
}

type NotificationSummary struct {
	Total     int
	Failed    int
	Firing    int
	Resolved  int
	ByRule    []RuleCount
	Receivers []string
}

type RuleCount struct {
	Rule  string
	Count int
}

// DayPoint counts runs started on one day.
type DayPoint struct {
	Day       time.Time
	Runs      int
	Succeeded int
}

// Generator summarizes the deployment and notification history of a
// period.
type Generator struct {
	history History
	tmpl    *template.Template
}

func NewGenerator(history History) *Generator {
	return &Generator{history: history, tmpl: template.Must(template.New("report").Funcs(funcs).Parse(htmlTemplate))}
}

func (g *Generator) Collect(ctx context.Context, startTime, endTime time.Time) (*Data, error) {
	runs, err := g.history.RunsBetween(ctx, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to collect report data: %w", err)
	}
	recs, err := g.history.NotificationsBetween(ctx, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to collect report data: %w", err)
	}
	return &Data{
		StartTime:     startTime,
		EndTime:       endTime,
		Deployments:   summarizeRuns(runs),
		Plans:         summarizePlans(runs),
		FailedPhases:  failedPhases(runs),
		Notifications: summarizeNotifications(recs),
		Trend:         dailyTrend(runs),
	}, nil
}

// HTML renders data as the body of a report mail.
func (g *Generator) HTML(data *Data) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// Subject is the mail subject of a report.
func Subject(data *Data) string {
	return fmt.Sprintf("siteops report (%s - %s)", data.StartTime.Format("2006-01-02"), data.EndTime.Format("2006-01-02"))
}

func summarizeRuns(runs []models.DeploymentRun) DeploymentSummary {
	var s DeploymentSummary
	for _, r := range runs {
		s.Total++
		switch r.Status {
		case models.RunStatusSucceeded:
			s.Succeeded++
		case models.RunStatusFailed:
			s.Failed++
		case models.RunStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func summarizePlans(runs []models.DeploymentRun) []PlanSummary {
	byPlan := make(map[string]*PlanSummary)
	total := make(map[string]time.Duration)
	for _, r := range runs {
		ps, ok := byPlan[r.Plan]
		if !ok {
			ps = &PlanSummary{Plan: r.Plan}
			byPlan[r.Plan] = ps
		}
		ps.Runs++
		if r.Status == models.RunStatusSucceeded {
			ps.Succeeded++
		}
		// runs are ordered oldest first
		ps.LastStatus = r.Status
		total[r.Plan] += r.FinishedAt.Sub(r.StartedAt)
	}

	out := make([]PlanSummary, 0, len(byPlan))
	for name, ps := range byPlan {
		ps.AvgDuration = (total[name] / time.Duration(ps.Runs)).Round(time.Second)
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Runs != out[j].Runs {
			return out[i].Runs > out[j].Runs
		}
		return out[i].Plan < out[j].Plan
	})
	return out
}

func failedPhases(runs []models.DeploymentRun) []PhaseSummary {
	counts := make(map[[2]string]int)
	for _, r := range runs {
		if r.Status == models.RunStatusFailed && r.FailedPhase != "" {
			counts[[2]string{r.Plan, r.FailedPhase}]++
		}
	}
	out := make([]PhaseSummary, 0, len(counts))
	for k, n := range counts {
		out = append(out, PhaseSummary{Plan: k[0], Phase: k[1], Failures: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures > out[j].Failures
		}
		if out[i].Plan != out[j].Plan {
			return out[i].Plan < out[j].Plan
		}
		return out[i].Phase < out[j].Phase
	})
	// Keep only top 10 phases
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func summarizeNotifications(recs []models.NotificationRecord) NotificationSummary {
	var s NotificationSummary
	rules := make(map[string]int)
	receivers := make(map[string]bool)
	for _, r := range recs {
		s.Total++
		if r.Status != "sent" {
			s.Failed++
		}
		s.Firing += r.Firing
		s.Resolved += r.Resolved
		receivers[r.Receiver] = true
		for _, rule := range splitRules(r.Rules) {
			rules[rule]++
		}
	}
	for rule, n := range rules {
		s.ByRule = append(s.ByRule, RuleCount{Rule: rule, Count: n})
	}
	sort.Slice(s.ByRule, func(i, j int) bool {
		if s.ByRule[i].Count != s.ByRule[j].Count {
			return s.ByRule[i].Count > s.ByRule[j].Count
		}
		return s.ByRule[i].Rule < s.ByRule[j].Rule
	})
	for name := range receivers {
		s.Receivers = append(s.Receivers, name)
	}
	sort.Strings(s.Receivers)
	return s
}

func dailyTrend(runs []models.DeploymentRun) []DayPoint {
	byDay := make(map[time.Time]*DayPoint)
	for _, r := range runs {
		day := r.StartedAt.UTC().Truncate(24 * time.Hour)
		p, ok := byDay[day]
		if !ok {
			p = &DayPoint{Day: day}
			byDay[day] = p
		}
		p.Runs++
		if r.Status == models.RunStatusSucceeded {
			p.Succeeded++
		}
	}
	out := make([]DayPoint, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

func splitRules(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' })
}
