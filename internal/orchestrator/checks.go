package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/models"
)

// Checker probes endpoints; monitor.Prober implements it.
type Checker interface {
	HTTP(ctx context.Context, url string, expect int) error
	TCP(ctx context.Context, address string) error
	Probe(ctx context.Context, svc models.ServiceDescriptor) error
}

// CertChecker reports whether a domain has a valid certificate.
type CertChecker interface {
	Valid(domain string) (bool, time.Time)
}

// TCPCheck verifies that address accepts connections.
func TCPCheck(c Checker, address string) Step {
	return func(ctx context.Context) (string, error) {
		if err := c.TCP(ctx, address); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is listening", address), nil
	}
}

// HTTPCheck verifies that url answers with the expected status.
func HTTPCheck(c Checker, url string, expect int) Step {
	return func(ctx context.Context) (string, error) {
		if err := c.HTTP(ctx, url, expect); err != nil {
			return "", err
		}
		return fmt.Sprintf("GET %s ok", url), nil
	}
}

// CertificateCheck verifies that domain has a valid, non-expiring certificate.
func CertificateCheck(c CertChecker, domain string) Step {
	return func(context.Context) (string, error) {
		ok, notAfter := c.Valid(domain)
		if !ok {
			if notAfter.IsZero() {
				return "", fmt.Errorf("no certificate for %s", domain)
			}
			return "", fmt.Errorf("certificate for %s expires %s", domain, notAfter.Format(time.RFC3339))
		}
		return fmt.Sprintf("certificate for %s valid until %s", domain, notAfter.Format(time.RFC3339)), nil
	}
}

// CommandStep runs argv; a non-zero exit is a failure.
func CommandStep(r executor.Runner, argv []string, timeout time.Duration) Step {
	return func(ctx context.Context) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := r.Run(ctx, argv...)
		return res.Output, err
	}
}

// ServicesCheck verifies that every listed service passes its health probe.
func ServicesCheck(c Checker, services func() []models.ServiceDescriptor) Step {
	return func(ctx context.Context) (string, error) {
		var (
			lines []string
			errs  []error
		)
		for _, svc := range services() {
			if err := c.Probe(ctx, svc); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", svc.Name, err))
				lines = append(lines, svc.Name+": unhealthy")
				continue
			}
			lines = append(lines, svc.Name+": healthy")
		}
		return strings.Join(lines, "\n"), errors.Join(errs...)
	}
}

// Retry reruns s until it succeeds or attempts are used up, waiting
// interval between attempts.
func Retry(s Step, attempts int, interval time.Duration) Step {
	if attempts <= 1 {
		return s
	}
	return func(ctx context.Context) (string, error) {
		var (
			out string
			err error
		)
		for i := 0; i < attempts; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return out, errors.Join(err, ctx.Err())
				case <-time.After(interval):
				}
			}
			out, err = s(ctx)
			if err == nil {
				return out, nil
			}
		}
		return out, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
}
