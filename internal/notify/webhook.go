package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/siteops/internal/models"
)

// Webhook POSTs the notification as JSON.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{url: url, headers: headers, client: &http.Client{Timeout: 30 * time.Second}}
}

type webhookPayload struct {
	Receiver string                 `json:"receiver"`
	Subject  string                 `json:"subject"`
	Alerts   []models.AlertInstance `json:"alerts"`
	SentAt   time.Time              `json:"sent_at"`
}

func (w *Webhook) Send(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(webhookPayload{
		Receiver: n.Receiver,
		Subject:  Subject(n),
		Alerts:   n.Alerts,
		SentAt:   n.SentAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned status %d", w.url, resp.StatusCode)
	}
	return nil
}
