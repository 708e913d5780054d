package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/siteops/internal/models"
)

// DefaultProbeTimeout bounds a single health probe.
const DefaultProbeTimeout = 5 * time.Second

// ProbeTimeoutError reports a probe that did not answer in time. It counts
// as an ordinary probe failure.
type ProbeTimeoutError struct {
	Target string
	After  time.Duration
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("probe %s timed out after %s", e.Target, e.After)
}

func (e *ProbeTimeoutError) Timeout() bool { return true }

// Prober runs HTTP and TCP health probes with a fixed timeout.
type Prober struct {
	timeout time.Duration
	client  *http.Client
	dialer  net.Dialer
}

func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	return &Prober{
		timeout: timeout,
		client: &http.Client{
			Transport: transport,
			// Health endpoints are probed as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Probe checks a service using its URL when set, its address otherwise.
func (p *Prober) Probe(ctx context.Context, svc models.ServiceDescriptor) error {
	hc := svc.HealthCheck
	switch {
	case hc.URL != "":
		return p.HTTP(ctx, hc.URL, hc.ExpectStatus)
	case hc.Address != "":
		return p.TCP(ctx, hc.Address)
	default:
		return fmt.Errorf("service %s has no health check", svc.Name)
	}
}

// HTTP succeeds when url answers with expect (200 when zero).
func (p *Prober) HTTP(ctx context.Context, url string, expect int) error {
	if expect == 0 {
		expect = http.StatusOK
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "siteops-monitor")
	resp, err := p.client.Do(req)
	if err != nil {
		return p.wrap(ctx, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != expect {
		return fmt.Errorf("GET %s: status %d, want %d", url, resp.StatusCode, expect)
	}
	return nil
}

// TCP succeeds when address accepts a connection.
func (p *Prober) TCP(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return p.wrap(ctx, address, err)
	}
	return conn.Close()
}

func (p *Prober) wrap(ctx context.Context, target string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProbeTimeoutError{Target: target, After: p.timeout}
	}
	return fmt.Errorf("probe %s: %w", target, err)
}
