package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrCancelled is returned when a run is cancelled between phases.
var ErrCancelled = errors.New("deployment cancelled")

// PhaseError reports a failed precondition or action.
type PhaseError struct {
	Phase  string
	Step   string
	Output string
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %s failed: %v%s", e.Phase, e.Step, e.Err, outputSuffix(e.Output))
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PhaseVerificationError reports a phase whose post-condition did not hold.
type PhaseVerificationError struct {
	Phase  string
	Output string
	Err    error
}

func (e *PhaseVerificationError) Error() string {
	return fmt.Sprintf("phase %s: verification failed: %v%s", e.Phase, e.Err, outputSuffix(e.Output))
}

func (e *PhaseVerificationError) Unwrap() error { return e.Err }

// FailedPhase returns the phase named by a phase error in err's chain.
func FailedPhase(err error) (string, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	var ve *PhaseVerificationError
	if errors.As(err, &ve) {
		return ve.Phase, true
	}
	return "", false
}

const maxOutputSuffix = 512

func outputSuffix(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	if len(out) > maxOutputSuffix {
		cut := len(out) - maxOutputSuffix
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = "..." + out[cut:]
	}
	return "\n" + out
}
