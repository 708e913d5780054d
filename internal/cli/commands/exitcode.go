package commands

import (
	"errors"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/orchestrator"
	"github.com/siteops/internal/proxy"
)

const (
	ExitOK = iota
	ExitInternal
	ExitConfiguration
	ExitPhase
	ExitValidation
	ExitLockHeld
)

// ExitCode maps an error returned by a command to the process exit status.
// A rejected proxy configuration or a held lock reached during a phase
// reports the more specific cause rather than the phase failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cfgErr    *config.ConfigurationError
		validErr  *proxy.ValidationError
		phaseErr  *orchestrator.PhaseError
		verifyErr *orchestrator.PhaseVerificationError
	)
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfiguration
	case errors.Is(err, lock.ErrHeld):
		return ExitLockHeld
	case errors.As(err, &validErr):
		return ExitValidation
	case errors.As(err, &verifyErr), errors.As(err, &phaseErr), errors.Is(err, orchestrator.ErrCancelled):
		return ExitPhase
	default:
		return ExitInternal
	}
}
