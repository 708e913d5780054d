package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/siteops/internal/models"
)

// Slack posts notifications to a channel through the Web API.
type Slack struct {
	client  *slack.Client
	channel string
}

func NewSlack(token, channel string, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(token, opts...), channel: channel}
}

func (s *Slack) Send(ctx context.Context, n models.Notification) error {
	attachments := make([]slack.Attachment, 0, len(n.Alerts))
	for _, a := range n.Alerts {
		resolved := a.Status == models.AlertStatusResolved
		fields := []slack.AttachmentField{
			{Title: "Series", Value: a.SeriesKey, Short: true},
			{Title: "Severity", Value: string(a.Level), Short: true},
		}
		if resolved {
			fields = append(fields, slack.AttachmentField{Title: "Resolved", Value: a.ResolvedAt.Format("2006-01-02 15:04:05 MST"), Short: true})
		} else {
			fields = append(fields,
				slack.AttachmentField{Title: "Value", Value: fmt.Sprintf("%.2f", a.Value), Short: true},
				slack.AttachmentField{Title: "Condition", Value: a.Condition, Short: true},
			)
		}
		attachments = append(attachments, slack.Attachment{
			Color:  levelColor(a.Level, resolved),
			Title:  fmt.Sprintf("%s: %s", a.Status, a.Rule),
			Fields: fields,
			Footer: "siteops",
			Ts:     json.Number(strconv.FormatInt(a.FirstFired.Unix(), 10)),
		})
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Subject(n), false),
		slack.MsgOptionAttachments(attachments...),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message to %s: %w", s.channel, err)
	}
	return nil
}
