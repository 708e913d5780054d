package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/models"
)

// Sender is the part of *gomail.Dialer used to deliver mail.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email sends notifications over SMTP.
type Email struct {
	dialer Sender
	from   string
	to     []string
}

func NewEmail(cfg config.SMTPConfig, to []string) *Email {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &Email{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
		to:     to,
	}
}

// NewEmailWithSender uses s instead of dialing SMTP.
func NewEmailWithSender(s Sender, from string, to []string) *Email {
	return &Email{dialer: s, from: from, to: to}
}

func (e *Email) Send(ctx context.Context, n models.Notification) error {
	return e.deliver(ctx, "siteops "+Subject(n), "text/plain", Body(n))
}

// SendHTML mails an HTML document such as a periodic report.
func (e *Email) SendHTML(ctx context.Context, subject, body string) error {
	return e.deliver(ctx, subject, "text/html", body)
}

func (e *Email) deliver(ctx context.Context, subject, contentType, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", subject)
	m.SetBody(contentType, body)

	// gomail has no context support; the send runs in the background and
	// is abandoned when ctx ends.
	errc := make(chan error, 1)
	go func() { errc <- e.dialer.DialAndSend(m) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to send email to %v: %w", e.to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
