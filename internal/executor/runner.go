package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxOutput bounds how much combined output is kept per command.
const maxOutput = 64 * 1024

// Runner executes a command on the target host.
type Runner interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// Result is the outcome of a finished command.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, out)
}

// Local runs commands on this machine.
type Local struct {
	log *zap.Logger
}

func NewLocal(log *zap.Logger) *Local {
	return &Local{log: log}
}

func (l *Local) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var buf limitedBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{Output: buf.String(), Duration: time.Since(start)}
	l.log.Debug("command finished",
		zap.String("command", Quote(argv)),
		zap.Duration("duration", res.Duration),
		zap.Error(err))

	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("command %q: %w", Quote(argv), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Command: Quote(argv), ExitCode: res.ExitCode, Output: res.Output}
		}
		return res, fmt.Errorf("failed to run %q: %w", Quote(argv), err)
	}
	return res, nil
}

// Quote renders argv as a POSIX shell command line.
func Quote(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	if strings.IndexFunc(a, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r))
	}) < 0 {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}

// limitedBuffer keeps the last maxOutput bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - maxOutput; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
