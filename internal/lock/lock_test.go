package lock

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New()

	lease, err := l.Acquire("deploy-1")
	require.NoError(t, err)
	assert.True(t, lease.Valid())

	h, held := l.Held()
	assert.True(t, held)
	assert.Equal(t, "deploy-1", h.ID)

	_, err = l.Acquire("deploy-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHeld))
	var heldErr *HeldError
	require.True(t, errors.As(err, &heldErr))
	assert.Equal(t, "deploy-1", heldErr.Holder.ID)

	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())
	assert.False(t, lease.Valid())
	_, held = l.Held()
	assert.False(t, held)
}

func TestStaleLeaseCannotReleaseNewHolder(t *testing.T) {
	l := New()
	first, err := l.Acquire("a")
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := l.Acquire("b")
	require.NoError(t, err)
	require.NoError(t, first.Release())
	assert.True(t, second.Valid())
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	l := New()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire("racer"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestFileLockExcludesSecondLockInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.lock")
	deployer := New(WithFile(path))
	monitor := New(WithFile(path))

	_, held := monitor.Held()
	assert.False(t, held)

	lease, err := deployer.Acquire("deploy-42")
	require.NoError(t, err)

	h, held := monitor.Held()
	assert.True(t, held)
	assert.Equal(t, "deploy-42", h.ID)

	_, err = monitor.Acquire("other")
	assert.True(t, errors.Is(err, ErrHeld))

	require.NoError(t, lease.Release())
	_, held = monitor.Held()
	assert.False(t, held)
}

func TestGroupSharesOneHold(t *testing.T) {
	l := New()
	g := NewGroup(l)

	api, err := g.Join("monitor:restart:api")
	require.NoError(t, err)
	web, err := g.Join("monitor:restart:web")
	require.NoError(t, err)
	assert.Same(t, api.Lease(), web.Lease())

	h, held := l.Held()
	require.True(t, held)
	assert.Equal(t, "monitor:restart:api", h.ID)

	_, err = l.Acquire("deploy:site:1")
	assert.True(t, errors.Is(err, ErrHeld))

	require.NoError(t, api.Release())
	require.NoError(t, api.Release())
	_, held = l.Held()
	assert.True(t, held, "a remaining member keeps the lock")

	require.NoError(t, web.Release())
	_, held = l.Held()
	assert.False(t, held)

	next, err := g.Join("certs:renew")
	require.NoError(t, err)
	assert.True(t, next.Lease().Valid())
	require.NoError(t, next.Release())
}

func TestGroupExcludedByOutsideHolder(t *testing.T) {
	l := New()
	lease, err := l.Acquire("deploy:site:1")
	require.NoError(t, err)

	_, err = NewGroup(l).Join("monitor:restart:api")
	var heldErr *HeldError
	require.True(t, errors.As(err, &heldErr))
	assert.Equal(t, "deploy:site:1", heldErr.Holder.ID)
	require.NoError(t, lease.Release())
}
