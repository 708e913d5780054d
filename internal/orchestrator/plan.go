package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/models"
	"github.com/siteops/internal/supervisor"
)

const imagePlaceholder = "{image}"

// ServiceSource is the read side of the service registry.
type ServiceSource interface {
	Get(name string) (models.ServiceDescriptor, bool)
	Desired() []models.ServiceDescriptor
	Routes() models.RoutingMap
}

// ProxyManager applies routing maps and reports the active one.
type ProxyManager interface {
	ProxyApplier
	Active() models.RoutingMap
}

// CertIssuer obtains certificates.
type CertIssuer interface {
	CertChecker
	Ensure(ctx context.Context, domain string) (certs.Status, error)
}

// Deps are the capabilities built-in phase kinds drive.
type Deps struct {
	Runner     executor.Runner
	Checker    Checker
	Proxy      ProxyManager
	Certs      CertIssuer
	Supervisor supervisor.Supervisor
	Services   ServiceSource
}

// BuildPlan turns a configured plan into runnable phases.
func BuildPlan(name string, pc config.PlanConfig, deps Deps) (Plan, error) {
	plan := Plan{Name: name, Targets: pc.Targets}
	for i, p := range pc.Phases {
		phase, err := buildPhase(name, p, pc, deps)
		if err != nil {
			return Plan{}, &config.ConfigurationError{
				Field: fmt.Sprintf("plans.%s.phases[%d]", name, i),
				Msg:   "cannot build phase",
				Err:   err,
			}
		}
		plan.Phases = append(plan.Phases, phase)
	}
	if err := Validate(plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func buildPhase(planName string, p config.PhaseConfig, pc config.PlanConfig, deps Deps) (Phase, error) {
	name := p.Name
	if name == "" {
		name = p.Kind
	}
	b := NewPhase(name).Timeout(p.Timeout)

	var builtinVerify Step
	switch p.Kind {
	case config.PhaseCommand, config.PhaseDeployBackend, config.PhaseDeployFrontend:
		if deps.Runner == nil {
			return Phase{}, errors.New("no command runner")
		}
		action := p.Action
		if p.Image != "" {
			image, err := normalizeImage(p.Image)
			if err != nil {
				return Phase{}, err
			}
			action = substituteImage(action, image)
		}
		b.Action(CommandStep(deps.Runner, action, 0))

	case config.PhaseConfigureProxy:
		if deps.Proxy == nil || deps.Services == nil {
			return Phase{}, errors.New("configure-proxy needs the proxy manager and registry")
		}
		b.Action(func(ctx context.Context) (string, error) {
			routes := deps.Services.Routes()
			if err := deps.Proxy.Apply(ctx, routes, LeaseFromContext(ctx)); err != nil {
				return "", err
			}
			return fmt.Sprintf("routing map with %d domains active", len(routes)), nil
		})
		builtinVerify = func(context.Context) (string, error) {
			want := deps.Services.Routes()
			if !sameRoutes(deps.Proxy.Active(), want) {
				return "", errors.New("active routing map differs from the registry")
			}
			return strings.Join(want.Domains(), "\n"), nil
		}

	case config.PhaseIssueCertificates:
		if deps.Certs == nil || deps.Services == nil {
			return Phase{}, errors.New("issue-certificates needs the certificate manager and registry")
		}
		b.Action(issueCertificates(deps))
		builtinVerify = func(ctx context.Context) (string, error) {
			var (
				lines []string
				errs  []error
			)
			for _, domain := range deps.Services.Routes().TLSDomains() {
				out, err := CertificateCheck(deps.Certs, domain)(ctx)
				lines = append(lines, out)
				if err != nil {
					errs = append(errs, err)
				}
			}
			return strings.Join(lines, "\n"), errors.Join(errs...)
		}

	case config.PhaseStartServices:
		if deps.Supervisor == nil || deps.Services == nil || deps.Checker == nil {
			return Phase{}, errors.New("start-services needs the supervisor, registry and prober")
		}
		targets := func() []models.ServiceDescriptor { return planServices(pc.Targets, deps.Services) }
		b.Action(func(ctx context.Context) (string, error) {
			var lines []string
			for _, svc := range targets() {
				if err := deps.Supervisor.Start(ctx, svc.UnitName()); err != nil {
					return strings.Join(lines, "\n"), fmt.Errorf("start %s: %w", svc.Name, err)
				}
				lines = append(lines, "started "+svc.UnitName())
			}
			return strings.Join(lines, "\n"), nil
		})
		builtinVerify = Retry(ServicesCheck(deps.Checker, targets), 10, 3*time.Second)

	default:
		return Phase{}, fmt.Errorf("unknown phase kind %q", p.Kind)
	}

	if (len(p.Precondition) > 0 || len(p.Rollback) > 0) && deps.Runner == nil {
		return Phase{}, errors.New("no command runner for precondition or rollback")
	}
	if len(p.Precondition) > 0 {
		b.Precondition(CommandStep(deps.Runner, p.Precondition, 0))
	}
	if len(p.Rollback) > 0 {
		b.Rollback(CommandStep(deps.Runner, p.Rollback, 0))
	}

	verify, err := buildVerify(p.Verify, pc, deps)
	if err != nil {
		return Phase{}, err
	}
	if verify == nil {
		verify = builtinVerify
	}
	if verify == nil {
		return Phase{}, fmt.Errorf("phase %s of plan %s has no verification", name, planName)
	}
	return b.Verify(verify).Build(), nil
}

func buildVerify(vc config.VerifyConfig, pc config.PlanConfig, deps Deps) (Step, error) {
	var s Step
	switch vc.Kind {
	case "":
		return nil, nil
	case config.VerifyTCP:
		s = TCPCheck(deps.Checker, vc.Address)
	case config.VerifyHTTP:
		s = HTTPCheck(deps.Checker, vc.URL, vc.ExpectStatus)
	case config.VerifyCertificate:
		s = CertificateCheck(deps.Certs, vc.Domain)
	case config.VerifyCommand:
		timeout := vc.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s = CommandStep(deps.Runner, vc.Command, timeout)
	case config.VerifyServices:
		s = ServicesCheck(deps.Checker, func() []models.ServiceDescriptor { return planServices(pc.Targets, deps.Services) })
	default:
		return nil, fmt.Errorf("unknown verification %q", vc.Kind)
	}
	switch {
	case vc.Kind == config.VerifyCommand && deps.Runner == nil:
		return nil, errors.New("no command runner for verification")
	case vc.Kind == config.VerifyCertificate && deps.Certs == nil:
		return nil, errors.New("no certificate manager for verification")
	case vc.Kind != config.VerifyCommand && vc.Kind != config.VerifyCertificate && deps.Checker == nil:
		return nil, errors.New("no prober for verification")
	}
	interval := vc.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Retry(s, vc.Retries+1, interval), nil
}

// issueCertificates ensures a certificate for every TLS domain and, when
// one was issued, re-applies the routing map so TLS is served.
func issueCertificates(deps Deps) Step {
	return func(ctx context.Context) (string, error) {
		var (
			lines  []string
			errs   []error
			issued bool
		)
		routes := deps.Services.Routes()
		for _, domain := range routes.TLSDomains() {
			status, err := deps.Certs.Ensure(ctx, domain)
			lines = append(lines, fmt.Sprintf("%s: %s", domain, status))
			if err != nil {
				errs = append(errs, err)
			}
			if status == certs.StatusIssued {
				issued = true
			}
		}
		if issued && deps.Proxy != nil {
			if err := deps.Proxy.Apply(ctx, routes, LeaseFromContext(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("re-apply proxy with TLS: %w", err))
			}
		}
		return strings.Join(lines, "\n"), errors.Join(errs...)
	}
}

// planServices returns the plan's target services, or every desired
// service when the plan names none.
func planServices(targets []string, services ServiceSource) []models.ServiceDescriptor {
	if len(targets) == 0 {
		return services.Desired()
	}
	out := make([]models.ServiceDescriptor, 0, len(targets))
	for _, name := range targets {
		if svc, ok := services.Get(name); ok {
			out = append(out, svc)
		}
	}
	return out
}

func normalizeImage(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("invalid image %q: %w", image, err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

func substituteImage(argv []string, image string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, imagePlaceholder, image)
	}
	return out
}

func sameRoutes(a, b models.RoutingMap) bool {
	if len(a) != len(b) {
		return false
	}
	for domain, ra := range a {
		rb, ok := b[domain]
		if !ok || ra.Service != rb.Service || ra.Upstream != rb.Upstream || ra.TLS != rb.TLS {
			return false
		}
		if strings.Join(ra.Paths, ",") != strings.Join(rb.Paths, ",") {
			return false
		}
	}
	return true
}
