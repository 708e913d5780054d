package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/siteops/internal/models"
	"github.com/siteops/internal/notify"
	"github.com/siteops/internal/telemetry"
)

const defaultSendTimeout = 30 * time.Second

// History stores delivery attempts.
type History interface {
	RecordNotification(ctx context.Context, rec *models.NotificationRecord) error
}

type DispatcherOptions struct {
	// PerMinute caps outbound sends across all receivers; zero disables
	// the cap.
	PerMinute   float64
	Burst       int
	SendTimeout time.Duration
	History     History
	Logger      *zap.Logger
}

// Dispatcher delivers notifications to their receivers.
type Dispatcher struct {
	limiter *rate.Limiter
	timeout time.Duration
	history History
	log     *zap.Logger

	mu        sync.RWMutex
	notifiers map[string]notify.Notifier
}

func NewDispatcher(notifiers map[string]notify.Notifier, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	limit := rate.Inf
	if opts.PerMinute > 0 {
		limit = rate.Limit(opts.PerMinute / 60)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Dispatcher{
		limiter:   rate.NewLimiter(limit, opts.Burst),
		timeout:   opts.SendTimeout,
		history:   opts.History,
		log:       opts.Logger,
		notifiers: notifiers,
	}
}

// SetNotifiers swaps the receiver set.
func (d *Dispatcher) SetNotifiers(notifiers map[string]notify.Notifier) {
	d.mu.Lock()
	d.notifiers = notifiers
	d.mu.Unlock()
}

// Receivers returns the configured receiver names.
func (d *Dispatcher) Receivers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.notifiers))
	for name := range d.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends each notification to its receiver. A failing receiver
// does not stop delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, notifications []models.Notification) error {
	var errs []error
	for _, n := range notifications {
		if err := d.send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, n models.Notification) error {
	d.mu.RLock()
	notifier, ok := d.notifiers[n.Receiver]
	d.mu.RUnlock()

	log := d.log.With(zap.String("receiver", n.Receiver), zap.Int("alerts", len(n.Alerts)))
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("unknown receiver %q", n.Receiver)
	default:
		if err = d.limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("rate limiter: %w", err)
			break
		}
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err = notifier.Send(sctx, n)
		cancel()
	}

	telemetry.ObserveNotification(n.Receiver, err == nil)
	if err != nil {
		log.Error("failed to send notification", zap.Error(err))
	} else {
		log.Info("notification sent", zap.String("subject", notify.Subject(n)))
	}
	d.record(ctx, n, kind(notifier), err)
	if err != nil {
		return fmt.Errorf("receiver %s: %w", n.Receiver, err)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, n models.Notification, kind string, sendErr error) {
	if d.history == nil {
		return
	}
	rules := make([]string, 0, len(n.Alerts))
	for _, a := range n.Alerts {
		rules = append(rules, a.Rule)
	}
	rec := &models.NotificationRecord{
		Receiver: n.Receiver,
		Kind:     kind,
		Rules:    strings.Join(rules, ","),
		Firing:   len(n.Firing()),
		Resolved: len(n.Resolved()),
		Status:   "sent",
		SentAt:   n.SentAt,
	}
	if sendErr != nil {
		rec.Status = "failed"
		rec.Error = sendErr.Error()
	}
	if err := d.history.RecordNotification(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("failed to record notification", zap.Error(err))
	}
}

func kind(n notify.Notifier) string {
	switch n.(type) {
	case *notify.Slack:
		return "slack"
	case *notify.Email:
		return "email"
	case *notify.Webhook:
		return "webhook"
	case nil:
		return "unknown"
	default:
		return "custom"
	}
}
