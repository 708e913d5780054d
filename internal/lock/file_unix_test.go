//go:build unix

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailedSyncReleasesFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.lock")
	syncFile = func(*os.File) error { return errors.New("input/output error") }
	t.Cleanup(func() { syncFile = (*os.File).Sync })

	l := New(WithFile(path))
	_, err := l.Acquire("deploy-1")
	require.ErrorContains(t, err, "failed to sync lock file")
	_, held := l.Held()
	assert.False(t, held)

	syncFile = (*os.File).Sync
	lease, err := New(WithFile(path)).Acquire("deploy-2")
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}
