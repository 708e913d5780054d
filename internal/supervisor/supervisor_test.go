package supervisor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/executor"
)

type recordingRunner struct {
	calls  []string
	output map[string]string
	fail   map[string]int
}

func (r *recordingRunner) Run(_ context.Context, argv ...string) (executor.Result, error) {
	cmd := strings.Join(argv, " ")
	r.calls = append(r.calls, cmd)
	out := r.output[cmd]
	if code, ok := r.fail[cmd]; ok {
		return executor.Result{Output: out, ExitCode: code}, &executor.ExitError{Command: cmd, ExitCode: code, Output: out}
	}
	return executor.Result{Output: out}, nil
}

func TestSystemdVerbs(t *testing.T) {
	r := &recordingRunner{}
	s := NewSystemd(r)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "api"))
	require.NoError(t, s.Restart(ctx, "api"))
	require.NoError(t, s.Stop(ctx, "api"))
	assert.Equal(t, []string{"systemctl start api", "systemctl restart api", "systemctl stop api"}, r.calls)
}

func TestSystemdStatusTreatsInactiveAsNotRunning(t *testing.T) {
	r := &recordingRunner{
		output: map[string]string{
			"systemctl is-active api":    "active\n",
			"systemctl is-active worker": "failed\n",
		},
		fail: map[string]int{"systemctl is-active worker": 3},
	}
	s := NewSystemd(r)

	st, err := s.Status(context.Background(), "api")
	require.NoError(t, err)
	assert.True(t, st.Running)

	st, err = s.Status(context.Background(), "worker")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "failed", st.State)
}

func TestSystemdRestartFailureIsWrapped(t *testing.T) {
	r := &recordingRunner{fail: map[string]int{"systemctl restart api": 1}}
	err := NewSystemd(r).Restart(context.Background(), "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to restart api")
}
