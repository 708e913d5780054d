package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/models"
)

var fired = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func notification() models.Notification {
	return models.Notification{
		Receiver: "ops",
		SentAt:   fired.Add(5 * time.Minute),
		Alerts: []models.AlertInstance{
			{
				Rule:       "api_down",
				SeriesKey:  `service_probe_success{service="api"}`,
				Level:      models.AlertLevelCritical,
				Status:     models.AlertStatusFiring,
				Value:      0,
				Condition:  "service_probe_success == 0",
				FirstFired: fired,
			},
			{
				Rule:       "disk_full",
				SeriesKey:  `service_disk_percent{service="db"}`,
				Level:      models.AlertLevelWarning,
				Status:     models.AlertStatusResolved,
				FirstFired: fired.Add(-time.Hour),
				ResolvedAt: fired,
			},
		},
	}
}

func TestSubject(t *testing.T) {
	n := notification()
	assert.Equal(t, "[CRITICAL] 1 firing, 1 resolved", Subject(n))

	n.Alerts = n.Alerts[:1]
	assert.Equal(t, "[CRITICAL] 1 alert(s) firing: api_down", Subject(n))

	n = notification()
	n.Alerts = n.Alerts[1:]
	assert.Equal(t, "[RESOLVED] 1 alert(s) resolved: disk_full", Subject(n))
}

func TestWebhookPostsJSON(t *testing.T) {
	var (
		got    webhookPayload
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, map[string]string{"X-Token": "secret"}).Send(context.Background(), notification())
	require.NoError(t, err)
	assert.Equal(t, "secret", header)
	assert.Equal(t, "ops", got.Receiver)
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, "api_down", got.Alerts[0].Rule)
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, nil).Send(context.Background(), notification())
	assert.ErrorContains(t, err, "status 500")
}

func TestSlackPostsOneMessagePerNotification(t *testing.T) {
	var (
		calls   int
		channel string
		text    string
		attach  []slack.Attachment
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		channel = r.FormValue("channel")
		text = r.FormValue("text")
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("attachments")), &attach))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C123","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "#ops", slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, s.Send(context.Background(), notification()))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "#ops", channel)
	assert.Equal(t, "[CRITICAL] 1 firing, 1 resolved", text)
	require.Len(t, attach, 2)
	assert.Equal(t, "#FF0000", attach[0].Color)
	assert.Equal(t, "#36a64f", attach[1].Color)
}

type fakeSender struct {
	msgs []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.msgs = append(f.msgs, m...)
	return f.err
}

func TestEmailSend(t *testing.T) {
	sender := &fakeSender{}
	e := NewEmailWithSender(sender, "siteops@example.com", []string{"ops@example.com"})
	require.NoError(t, e.Send(context.Background(), notification()))

	require.Len(t, sender.msgs, 1)
	m := sender.msgs[0]
	assert.Equal(t, []string{"ops@example.com"}, m.GetHeader("To"))
	assert.True(t, strings.HasPrefix(m.GetHeader("Subject")[0], "siteops [CRITICAL]"))

	var body strings.Builder
	_, err := m.WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "api_down")
}

func TestEmailSendError(t *testing.T) {
	e := NewEmailWithSender(&fakeSender{err: errors.New("connection refused")}, "a@example.com", []string{"b@example.com"})
	assert.ErrorContains(t, e.Send(context.Background(), notification()), "connection refused")
}

func TestEmailSendHTML(t *testing.T) {
	sender := &fakeSender{}
	e := NewEmailWithSender(sender, "siteops@example.com", []string{"ops@example.com"})
	require.NoError(t, e.SendHTML(context.Background(), "weekly report", "<h2>report</h2>"))

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, []string{"weekly report"}, sender.msgs[0].GetHeader("Subject"))
	var body strings.Builder
	_, err := sender.msgs[0].WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "text/html")
}

func TestNewFromConfig(t *testing.T) {
	notifiers, err := FromConfig(map[string]config.ReceiverConfig{
		"ops":   {Type: config.ReceiverSlack, Slack: config.SlackConfig{Token: "t", Channel: "#ops"}},
		"mail":  {Type: config.ReceiverEmail, Email: config.EmailConfig{SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587}, To: []string{"a@example.com"}}},
		"hooks": {Type: config.ReceiverWebhook, Webhook: config.WebhookConfig{URL: "https://hooks.example.com"}},
	})
	require.NoError(t, err)
	assert.IsType(t, &Slack{}, notifiers["ops"])
	assert.IsType(t, &Email{}, notifiers["mail"])
	assert.IsType(t, &Webhook{}, notifiers["hooks"])

	_, err = New("bad", config.ReceiverConfig{Type: config.ReceiverSlack})
	assert.ErrorContains(t, err, "token")
	_, err = New("bad", config.ReceiverConfig{Type: "pager"})
	assert.ErrorContains(t, err, "unknown type")
}
