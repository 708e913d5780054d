package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/orchestrator"
	"github.com/siteops/internal/proxy"
)

func TestExitCode(t *testing.T) {
	phase := &orchestrator.PhaseError{Phase: "configure-proxy", Step: "action", Err: &proxy.ValidationError{Reason: "nginx -t failed"}}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, ExitOK},
		{"internal", errors.New("boom"), ExitInternal},
		{"configuration", errors.Join(&config.ConfigurationError{Field: "services", Msg: "bad"}), ExitConfiguration},
		{"phase", &orchestrator.PhaseError{Phase: "deploy", Step: "action", Err: errors.New("exit 1")}, ExitPhase},
		{"verification", fmt.Errorf("run: %w", &orchestrator.PhaseVerificationError{Phase: "deploy", Err: errors.New("refused")}), ExitPhase},
		{"cancelled", fmt.Errorf("%w before phase x", orchestrator.ErrCancelled), ExitPhase},
		{"proxy validation inside a phase", phase, ExitValidation},
		{"lock", fmt.Errorf("plan site: %w", &lock.HeldError{Holder: lock.Holder{ID: "monitor:restart:api"}}), ExitLockHeld},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
lock:
  path: %[1]s/siteops.lock
database:
  path: %[1]s/siteops.db
api:
  enabled: false
logging:
  level: error
plans:
  hello:
    phases:
      - name: say-hello
        kind: command
        action: ["true"]
        verify:
          kind: command
          command: ["true"]
  broken:
    phases:
      - name: prepare
        kind: command
        action: ["true"]
        rollback: ["true"]
        verify:
          kind: command
          command: ["true"]
      - name: check
        kind: command
        action: ["true"]
        verify:
          kind: command
          command: ["false"]
`, dir)
	path := filepath.Join(dir, "siteops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dir
}

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute("config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 0 services, 0 routes, 2 plans")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("plans:\n  Bad Name:\n    phases: []\n"), 0o644))
	_, err = execute("config", "validate", "--config", bad)
	assert.Equal(t, ExitConfiguration, ExitCode(err))
}

func TestDeploy(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute("deploy", "hello", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "say-hello")

	out, err = execute("deploy", "broken", "--config", path)
	assert.Equal(t, ExitPhase, ExitCode(err))
	assert.Contains(t, out, "Failed phase: check")
	assert.Contains(t, out, "Rolled back: [prepare]")

	_, err = execute("deploy", "missing", "--config", path)
	assert.Equal(t, ExitConfiguration, ExitCode(err))

	out, err = execute("history", "deployments", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "broken")
}

func TestDeployWhileLockHeld(t *testing.T) {
	path, dir := writeConfig(t)
	lease, err := lock.New(lock.WithFile(filepath.Join(dir, "siteops.lock"))).Acquire("monitor:restart:api")
	require.NoError(t, err)
	defer lease.Release()

	_, err = execute("deploy", "hello", "--config", path)
	assert.Equal(t, ExitLockHeld, ExitCode(err))

	out, err := execute("status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Lock: held by")
	assert.Contains(t, out, "monitor:restart:api")
}
