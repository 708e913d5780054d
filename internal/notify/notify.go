package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/models"
)

// Notifier delivers one batched notification to a single receiver.
type Notifier interface {
	Send(ctx context.Context, n models.Notification) error
}

// New builds the notifier for a configured receiver.
func New(name string, rc config.ReceiverConfig) (Notifier, error) {
	switch rc.Type {
	case config.ReceiverSlack:
		if rc.Slack.Token == "" || rc.Slack.Channel == "" {
			return nil, fmt.Errorf("receiver %s: slack needs a token and a channel", name)
		}
		return NewSlack(rc.Slack.Token, rc.Slack.Channel), nil
	case config.ReceiverEmail:
		if rc.Email.SMTP.Host == "" || len(rc.Email.To) == 0 {
			return nil, fmt.Errorf("receiver %s: email needs an smtp host and recipients", name)
		}
		return NewEmail(rc.Email.SMTP, rc.Email.To), nil
	case config.ReceiverWebhook:
		if rc.Webhook.URL == "" {
			return nil, fmt.Errorf("receiver %s: webhook needs a url", name)
		}
		return NewWebhook(rc.Webhook.URL, rc.Webhook.Headers), nil
	default:
		return nil, fmt.Errorf("receiver %s: unknown type %q", name, rc.Type)
	}
}

// FromConfig builds every configured receiver.
func FromConfig(receivers map[string]config.ReceiverConfig) (map[string]Notifier, error) {
	out := make(map[string]Notifier, len(receivers))
	for name, rc := range receivers {
		n, err := New(name, rc)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// Subject summarises a notification in one line.
func Subject(n models.Notification) string {
	firing, resolved := n.Firing(), n.Resolved()
	switch {
	case len(firing) > 0 && len(resolved) > 0:
		return fmt.Sprintf("[%s] %d firing, %d resolved", strings.ToUpper(string(n.HighestLevel())), len(firing), len(resolved))
	case len(firing) > 0:
		return fmt.Sprintf("[%s] %d alert(s) firing: %s", strings.ToUpper(string(n.HighestLevel())), len(firing), ruleNames(firing))
	default:
		return fmt.Sprintf("[RESOLVED] %d alert(s) resolved: %s", len(resolved), ruleNames(resolved))
	}
}

// Body renders a notification as plain text, one alert per line.
func Body(n models.Notification) string {
	var b strings.Builder
	for _, a := range n.Alerts {
		fmt.Fprintf(&b, "%s\n", Line(a))
	}
	return b.String()
}

// Line renders a single alert.
func Line(a models.AlertInstance) string {
	if a.Status == models.AlertStatusResolved {
		return fmt.Sprintf("RESOLVED %s %s at %s (fired %s)",
			a.Rule, a.SeriesKey, a.ResolvedAt.Format(time.RFC3339), a.FirstFired.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s %s: %s, value %.2f, since %s",
		strings.ToUpper(string(a.Level)), a.Rule, a.SeriesKey, a.Condition, a.Value, a.FirstFired.Format(time.RFC3339))
}

func ruleNames(alerts []models.AlertInstance) string {
	seen := map[string]bool{}
	var names []string
	for _, a := range alerts {
		if !seen[a.Rule] {
			seen[a.Rule] = true
			names = append(names, a.Rule)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func levelColor(level models.AlertLevel, resolved bool) string {
	if resolved {
		return "#36a64f"
	}
	switch level {
	case models.AlertLevelCritical:
		return "#FF0000"
	case models.AlertLevelWarning:
		return "#FFA500"
	case models.AlertLevelInfo:
		return "#0000FF"
	default:
		return "#808080"
	}
}
