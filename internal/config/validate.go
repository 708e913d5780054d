package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/distribution/reference"

	"github.com/siteops/internal/models"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Phase kinds.
const (
	PhaseCommand           = "command"
	PhaseDeployBackend     = "deploy-backend"
	PhaseDeployFrontend    = "deploy-frontend"
	PhaseConfigureProxy    = "configure-proxy"
	PhaseIssueCertificates = "issue-certificates"
	PhaseStartServices     = "start-services"
)

// Verification kinds.
const (
	VerifyTCP         = "tcp"
	VerifyHTTP        = "http"
	VerifyCertificate = "certificate"
	VerifyCommand     = "command"
	VerifyServices    = "services"
)

// Receiver types.
const (
	ReceiverSlack   = "slack"
	ReceiverEmail   = "email"
	ReceiverWebhook = "webhook"
)

// Supervisor types.
const (
	SupervisorSystemd = "systemd"
	SupervisorDocker  = "docker"
)

// DefaultReceiverName names the receiver derived from SITEOPS_ALERT_RECEIVER.
const DefaultReceiverName = "default"

type validator struct {
	errs []error
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)})
}

// Validate checks the whole configuration and returns every problem found.
func (c *Config) Validate() error {
	v := &validator{}

	services := map[string]bool{}
	for i, svc := range c.Services {
		field := fmt.Sprintf("services[%d]", i)
		if !namePattern.MatchString(svc.Name) {
			v.add(field+".name", "invalid service name %q", svc.Name)
			continue
		}
		field = "services." + svc.Name
		if services[svc.Name] {
			v.add(field, "duplicate service")
		}
		services[svc.Name] = true
		validateHealthCheck(v, field+".health_check", svc.HealthCheck)
		if svc.Image != "" {
			if _, err := reference.ParseNormalizedNamed(svc.Image); err != nil {
				v.add(field+".image", "invalid image reference %q: %v", svc.Image, err)
			}
		}
		for name, pct := range map[string]float64{
			"cpu_percent":    svc.Thresholds.CPUPercent,
			"memory_percent": svc.Thresholds.MemoryPercent,
			"disk_percent":   svc.Thresholds.DiskPercent,
		} {
			if pct < 0 || pct > 100 {
				v.add(field+".thresholds."+name, "must be between 0 and 100, got %g", pct)
			}
		}
	}

	domains := map[string]bool{}
	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		domain := strings.ToLower(r.Domain)
		switch {
		case domain == "":
			v.add(field+".domain", "domain is required")
		case domains[domain]:
			v.add(field+".domain", "duplicate domain %s", domain)
		}
		domains[domain] = true
		if !services[r.Service] {
			v.add(field+".service", "unknown service %q", r.Service)
		}
		if r.Upstream == "" {
			v.add(field+".upstream", "upstream is required")
		}
	}

	receivers := c.Receivers()
	for name, r := range receivers {
		validateReceiver(v, "alerts.receivers."+name, r)
	}
	rules := map[string]bool{}
	for i, r := range c.AlertRules() {
		field := fmt.Sprintf("alerts.rules[%d]", i)
		if r.Name == "" {
			v.add(field+".name", "rule name is required")
		} else if rules[r.Name] {
			v.add(field+".name", "duplicate rule %s", r.Name)
		}
		rules[r.Name] = true
		if r.Expr.Metric == "" {
			v.add(field+".expr.metric", "metric is required")
		}
		if !r.Expr.Func.Valid() {
			v.add(field+".expr.func", "unknown function %q", r.Expr.Func)
		}
		if !r.Operator.Valid() {
			v.add(field+".operator", "unknown operator %q", r.Operator)
		}
		if !r.Level.Valid() {
			v.add(field+".severity", "unknown severity %q", r.Level)
		}
		if r.Sustain < 0 || r.RepeatInterval < 0 || r.Expr.Range < 0 {
			v.add(field, "durations must not be negative")
		}
		if r.Expr.Range > c.Alerts.Window {
			v.add(field+".expr.range", "range %s exceeds the %s window", r.Expr.Range, c.Alerts.Window)
		}
		if _, ok := receivers[r.Receiver]; !ok {
			v.add(field+".receiver", "unknown receiver %q", r.Receiver)
		}
	}

	for name, plan := range c.Plans {
		validatePlan(v, name, plan, services)
	}

	if c.Monitor.FailureThreshold < 1 {
		v.add("monitor.failure_threshold", "must be at least 1")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.ProbeTimeout <= 0 {
		v.add("monitor", "interval and probe_timeout must be positive")
	}
	if c.Alerts.Interval <= 0 || c.Alerts.Window <= 0 {
		v.add("alerts", "interval and window must be positive")
	}
	for i, s := range c.Alerts.Scrape {
		if _, err := url.ParseRequestURI(s.URL); err != nil {
			v.add(fmt.Sprintf("alerts.scrape[%d].url", i), "invalid url %q", s.URL)
		}
	}
	switch c.Supervisor.Type {
	case SupervisorSystemd, SupervisorDocker:
	default:
		v.add("supervisor.type", "unknown supervisor %q", c.Supervisor.Type)
	}

	return errors.Join(v.errs...)
}

func validateHealthCheck(v *validator, field string, hc models.HealthCheck) {
	switch {
	case hc.URL == "" && hc.Address == "":
		v.add(field, "url or address is required")
	case hc.URL != "" && hc.Address != "":
		v.add(field, "url and address are mutually exclusive")
	case hc.URL != "":
		u, err := url.Parse(hc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.add(field+".url", "invalid health check url %q", hc.URL)
		}
	}
}

func validateReceiver(v *validator, field string, r ReceiverConfig) {
	switch r.Type {
	case ReceiverSlack:
		if r.Slack.Token == "" || r.Slack.Channel == "" {
			v.add(field+".slack", "token and channel are required")
		}
	case ReceiverEmail:
		if r.Email.SMTP.Host == "" || r.Email.SMTP.From == "" || len(r.Email.To) == 0 {
			v.add(field+".email", "smtp host, from and at least one recipient are required")
		}
	case ReceiverWebhook:
		if _, err := url.ParseRequestURI(r.Webhook.URL); err != nil {
			v.add(field+".webhook.url", "invalid url %q", r.Webhook.URL)
		}
	default:
		v.add(field+".type", "unknown receiver type %q", r.Type)
	}
}

func validatePlan(v *validator, name string, plan PlanConfig, services map[string]bool) {
	field := "plans." + name
	if !namePattern.MatchString(name) {
		v.add(field, "invalid plan name")
	}
	if len(plan.Phases) == 0 {
		v.add(field+".phases", "plan has no phases")
	}
	for _, t := range plan.Targets {
		if !services[t] {
			v.add(field+".targets", "unknown service %q", t)
		}
	}
	phases := map[string]bool{}
	for i, p := range plan.Phases {
		pf := fmt.Sprintf("%s.phases[%d]", field, i)
		name := p.Name
		if name == "" {
			name = p.Kind
		}
		if name == "" {
			v.add(pf+".name", "phase name is required")
		} else if phases[name] {
			v.add(pf+".name", "duplicate phase %s", name)
		}
		phases[name] = true

		switch p.Kind {
		case PhaseCommand, PhaseDeployBackend, PhaseDeployFrontend:
			if len(p.Action) == 0 {
				v.add(pf+".action", "%s phase needs an action command", p.Kind)
			}
		case PhaseConfigureProxy, PhaseIssueCertificates, PhaseStartServices:
		default:
			v.add(pf+".kind", "unknown phase kind %q", p.Kind)
		}
		if p.Image != "" {
			if _, err := reference.ParseNormalizedNamed(p.Image); err != nil {
				v.add(pf+".image", "invalid image reference %q: %v", p.Image, err)
			}
		}
		if p.Timeout < 0 {
			v.add(pf+".timeout", "must not be negative")
		}
		validateVerify(v, pf+".verify", p)
	}
}

func validateVerify(v *validator, field string, p PhaseConfig) {
	vc := p.Verify
	switch vc.Kind {
	case "":
		// Built-in phases carry their own verification.
		switch p.Kind {
		case PhaseConfigureProxy, PhaseIssueCertificates, PhaseStartServices:
		default:
			v.add(field+".kind", "%s phase needs a verification", p.Kind)
		}
	case VerifyTCP:
		if vc.Address == "" {
			v.add(field+".address", "tcp verification needs an address")
		}
	case VerifyHTTP:
		if _, err := url.ParseRequestURI(vc.URL); err != nil {
			v.add(field+".url", "invalid url %q", vc.URL)
		}
	case VerifyCertificate:
		if vc.Domain == "" {
			v.add(field+".domain", "certificate verification needs a domain")
		}
	case VerifyCommand:
		if len(vc.Command) == 0 {
			v.add(field+".command", "command verification needs a command")
		}
	case VerifyServices:
	default:
		v.add(field+".kind", "unknown verification %q", vc.Kind)
	}
}
