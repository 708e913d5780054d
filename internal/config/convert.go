package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/siteops/internal/models"
)

// ServiceDescriptors converts the configured services. Services are
// desired unless configured otherwise.
func (c *Config) ServiceDescriptors() []models.ServiceDescriptor {
	out := make([]models.ServiceDescriptor, 0, len(c.Services))
	for _, s := range c.Services {
		desired := true
		if s.Desired != nil {
			desired = *s.Desired
		}
		hc := s.HealthCheck
		if hc.ExpectStatus == 0 {
			hc.ExpectStatus = 200
		}
		out = append(out, models.ServiceDescriptor{
			Name:        s.Name,
			Image:       s.Image,
			Unit:        s.Unit,
			HealthCheck: hc,
			Restart:     s.Restart,
			Thresholds:  s.Thresholds,
			DiskPath:    s.DiskPath,
			Desired:     desired,
		})
	}
	return out
}

func (c *Config) RoutingMap() models.RoutingMap {
	m := make(models.RoutingMap, len(c.Routes))
	for _, r := range c.Routes {
		m[strings.ToLower(r.Domain)] = models.Route{
			Service:  r.Service,
			Upstream: r.Upstream,
			TLS:      r.TLS,
			Paths:    r.Paths,
		}
	}
	return m
}

// AlertRules returns the configured rules with defaults applied: severity
// warning, aggregation last, the default repeat interval and receiver.
func (c *Config) AlertRules() []models.AlertRule {
	out := make([]models.AlertRule, 0, len(c.Alerts.Rules))
	for _, r := range c.Alerts.Rules {
		if r.Level == "" {
			r.Level = models.AlertLevelWarning
		}
		if r.Expr.Func == "" {
			r.Expr.Func = models.AggLast
		}
		if r.RepeatInterval == 0 {
			r.RepeatInterval = c.Alerts.DefaultRepeat
		}
		if r.Receiver == "" {
			r.Receiver = DefaultReceiverName
		}
		out = append(out, r)
	}
	return out
}

// Receivers returns the configured receivers plus the default receiver
// derived from alerts.receiver (SITEOPS_ALERT_RECEIVER). The address picks
// the receiver type: an http(s) URL is a webhook, "#channel" is a Slack
// channel using the first configured Slack token, anything else is an
// e-mail address delivered through alerts.smtp.
func (c *Config) Receivers() map[string]ReceiverConfig {
	out := make(map[string]ReceiverConfig, len(c.Alerts.Receivers)+1)
	for name, r := range c.Alerts.Receivers {
		if r.Type == ReceiverEmail && r.Email.SMTP.Host == "" {
			r.Email.SMTP = c.Alerts.SMTP
		}
		out[name] = r
	}
	addr := strings.TrimSpace(c.Alerts.Receiver)
	if _, ok := out[DefaultReceiverName]; ok || addr == "" {
		return out
	}
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		out[DefaultReceiverName] = ReceiverConfig{Type: ReceiverWebhook, Webhook: WebhookConfig{URL: addr}}
	case strings.HasPrefix(addr, "#"):
		var token string
		for _, r := range c.Alerts.Receivers {
			if r.Type == ReceiverSlack && r.Slack.Token != "" {
				token = r.Slack.Token
				break
			}
		}
		out[DefaultReceiverName] = ReceiverConfig{Type: ReceiverSlack, Slack: SlackConfig{Token: token, Channel: addr}}
	default:
		out[DefaultReceiverName] = ReceiverConfig{Type: ReceiverEmail, Email: EmailConfig{SMTP: c.Alerts.SMTP, To: []string{addr}}}
	}
	return out
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
