package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/siteops/internal/executor"
)

// Status is the supervisor's view of a unit.
type Status struct {
	Name    string
	Running bool
	State   string
}

// Supervisor starts, stops and inspects managed services.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (Status, error)
}

// Systemd drives units through systemctl on the target host.
type Systemd struct {
	runner executor.Runner
}

func NewSystemd(runner executor.Runner) *Systemd {
	return &Systemd{runner: runner}
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.systemctl(ctx, "start", name)
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.systemctl(ctx, "stop", name)
}

func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.systemctl(ctx, "restart", name)
}

func (s *Systemd) Status(ctx context.Context, name string) (Status, error) {
	res, err := s.runner.Run(ctx, "systemctl", "is-active", name)
	state := strings.TrimSpace(res.Output)
	if err != nil {
		// is-active exits non-zero for inactive and failed units.
		var exitErr *executor.ExitError
		if !errors.As(err, &exitErr) {
			return Status{}, fmt.Errorf("failed to query %s: %w", name, err)
		}
	}
	return Status{Name: name, Running: state == "active", State: state}, nil
}

func (s *Systemd) systemctl(ctx context.Context, verb, name string) error {
	if _, err := s.runner.Run(ctx, "systemctl", verb, name); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, name, err)
	}
	return nil
}
