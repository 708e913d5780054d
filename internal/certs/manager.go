package certs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteops/internal/models"
	"github.com/siteops/internal/telemetry"
)

// Status is the lifecycle state of one domain's certificate.
type Status string

const (
	StatusValid    Status = "valid"
	StatusIssued   Status = "issued"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
	StatusMissing  Status = "missing"
	StatusExpired  Status = "expired"
)

// DomainState is the last known certificate state of a domain.
type DomainState struct {
	Domain    string    `json:"domain"`
	Status    Status    `json:"status"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	LastError string    `json:"last_error,omitempty"`
}

// RouteSource yields the routing map whose TLS domains need certificates.
type RouteSource interface {
	Routes() models.RoutingMap
}

type Config struct {
	RenewBefore time.Duration
	Timeout     time.Duration
}

// Manager issues and renews certificates for TLS domains.
type Manager struct {
	authority   Authority
	store       *Store
	routes      RouteSource
	renewBefore time.Duration
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	states map[string]DomainState
}

func NewManager(cfg Config, authority Authority, store *Store, routes RouteSource, log *zap.Logger) *Manager {
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		authority:   authority,
		store:       store,
		routes:      routes,
		renewBefore: cfg.RenewBefore,
		timeout:     cfg.Timeout,
		log:         log,
		now:         time.Now,
		states:      map[string]DomainState{},
	}
}

// Paths lets the manager serve as the proxy's certificate source.
func (m *Manager) Paths(domain string) (string, string, bool) {
	return m.store.Paths(domain)
}

// Valid reports whether domain has a certificate that is not expiring soon.
func (m *Manager) Valid(domain string) (bool, time.Time) {
	cert, err := m.store.Load(domain)
	if err != nil {
		return false, time.Time{}
	}
	return m.fresh(cert.NotAfter), cert.NotAfter
}

func (m *Manager) fresh(notAfter time.Time) bool {
	return notAfter.Sub(m.now()) > m.renewBefore
}

// Ensure makes sure domain has a valid certificate, issuing or renewing it
// when it is missing or expiring within the renewal window.
func (m *Manager) Ensure(ctx context.Context, domain string) (Status, error) {
	cert, err := m.store.Load(domain)
	if err == nil && m.fresh(cert.NotAfter) {
		m.record(domain, StatusValid, cert.NotAfter, nil)
		return StatusValid, nil
	}

	op := m.authority.Issue
	if err == nil {
		op = m.authority.Renew
	} else if !errors.Is(err, ErrNoCertificate) {
		m.log.Warn("unreadable certificate, reissuing", zap.String("domain", domain), zap.Error(err))
	}
	return m.obtain(ctx, domain, op)
}

func (m *Manager) obtain(ctx context.Context, domain string, op func(context.Context, string) error) (Status, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := op(opCtx, domain); err != nil {
		m.record(domain, StatusFailed, time.Time{}, err)
		return StatusFailed, err
	}

	cert, err := m.store.Load(domain)
	if err != nil {
		err = fmt.Errorf("certificate for %s unreadable after issuance: %w", domain, err)
		m.record(domain, StatusFailed, time.Time{}, err)
		return StatusFailed, err
	}
	if !m.fresh(cert.NotAfter) {
		err = fmt.Errorf("certificate for %s still expires %s after issuance", domain, cert.NotAfter.Format(time.RFC3339))
		m.record(domain, StatusFailed, cert.NotAfter, err)
		return StatusFailed, err
	}
	m.log.Info("certificate issued", zap.String("domain", domain), zap.Time("not_after", cert.NotAfter))
	m.record(domain, StatusIssued, cert.NotAfter, nil)
	return StatusIssued, nil
}

// RenewAll checks every TLS domain. Each existing certificate is first
// exercised with a dry-run renewal; a failing dry-run marks the domain
// degraded and leaves the installed certificate alone. Certificates inside
// the renewal window are renewed once the dry-run passed.
func (m *Manager) RenewAll(ctx context.Context) ([]DomainState, error) {
	var errs []error
	for _, domain := range m.routes.Routes().TLSDomains() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.renew(ctx, domain); err != nil {
			errs = append(errs, err)
		}
	}
	return m.States(), errors.Join(errs...)
}

func (m *Manager) renew(ctx context.Context, domain string) error {
	cert, err := m.store.Load(domain)
	if err != nil {
		_, err = m.Ensure(ctx, domain)
		return err
	}

	dryCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.authority.DryRunRenew(dryCtx, domain)
	cancel()
	if err != nil {
		m.log.Warn("certificate renewal dry-run failed", zap.String("domain", domain), zap.Error(err))
		m.record(domain, StatusDegraded, cert.NotAfter, err)
		return fmt.Errorf("%s degraded: %w", domain, err)
	}

	if m.fresh(cert.NotAfter) {
		m.record(domain, StatusValid, cert.NotAfter, nil)
		return nil
	}
	_, err = m.obtain(ctx, domain, m.authority.Renew)
	return err
}

// States returns the recorded domain states sorted by domain.
func (m *Manager) States() []DomainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DomainState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (m *Manager) record(domain string, status Status, notAfter time.Time, err error) {
	st := DomainState{Domain: domain, Status: status, NotAfter: notAfter, CheckedAt: m.now()}
	if err != nil {
		st.LastError = err.Error()
	}
	m.mu.Lock()
	m.states[domain] = st
	m.mu.Unlock()
	if !notAfter.IsZero() {
		telemetry.SetCertificateExpiry(domain, notAfter)
	}
}
