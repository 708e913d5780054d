package certs

import (
	"context"
	"fmt"

	"github.com/siteops/internal/executor"
)

// Authority is the certificate-authority capability.
type Authority interface {
	Issue(ctx context.Context, domain string) error
	Renew(ctx context.Context, domain string) error
	// DryRunRenew exercises renewal against the authority without
	// touching the installed certificate.
	DryRunRenew(ctx context.Context, domain string) error
}

type CertbotConfig struct {
	Binary     string
	Email      string
	Webroot    string
	Staging    bool
	DeployHook string
}

// Certbot drives the certbot client through a command runner using the
// webroot challenge served by the proxy.
type Certbot struct {
	cfg    CertbotConfig
	runner executor.Runner
}

func NewCertbot(cfg CertbotConfig, runner executor.Runner) *Certbot {
	if cfg.Binary == "" {
		cfg.Binary = "certbot"
	}
	return &Certbot{cfg: cfg, runner: runner}
}

func (c *Certbot) Issue(ctx context.Context, domain string) error {
	if c.cfg.Email == "" {
		return fmt.Errorf("issue %s: no ACME contact email configured", domain)
	}
	argv := []string{c.cfg.Binary, "certonly", "--webroot",
		"-w", c.cfg.Webroot,
		"-d", domain,
		"--cert-name", domain,
		"--email", c.cfg.Email,
		"--agree-tos", "--non-interactive", "--keep-until-expiring",
	}
	return c.run(ctx, "issue", domain, argv)
}

func (c *Certbot) Renew(ctx context.Context, domain string) error {
	argv := []string{c.cfg.Binary, "renew", "--cert-name", domain, "--force-renewal", "--non-interactive"}
	return c.run(ctx, "renew", domain, argv)
}

func (c *Certbot) DryRunRenew(ctx context.Context, domain string) error {
	argv := []string{c.cfg.Binary, "renew", "--cert-name", domain, "--dry-run", "--non-interactive"}
	return c.run(ctx, "dry-run renew", domain, argv)
}

func (c *Certbot) run(ctx context.Context, op, domain string, argv []string) error {
	if c.cfg.Staging {
		argv = append(argv, "--staging")
	}
	// Hooks run on real changes only; certbot skips them for --dry-run.
	if c.cfg.DeployHook != "" {
		argv = append(argv, "--deploy-hook", c.cfg.DeployHook)
	}
	if _, err := c.runner.Run(ctx, argv...); err != nil {
		return fmt.Errorf("%s %s: %w", op, domain, err)
	}
	return nil
}
