package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type fakeRenewer struct {
	states []certs.DomainState
	err    error
}

func (r fakeRenewer) RenewAll(context.Context) ([]certs.DomainState, error) { return r.states, r.err }

type fakeApplier struct {
	calls int
	lease *lock.Lease
	err   error
}

func (p *fakeApplier) Apply(_ context.Context, _ models.RoutingMap, lease *lock.Lease) error {
	p.calls++
	p.lease = lease
	return p.err
}

type fakeRoutes struct{}

func (fakeRoutes) Routes() models.RoutingMap { return models.RoutingMap{} }

func TestRenewAndApply(t *testing.T) {
	l := lock.New()
	lease, err := l.Acquire("certs:renew")
	require.NoError(t, err)
	defer lease.Release()

	t.Run("first certificate re-applies proxy", func(t *testing.T) {
		p := &fakeApplier{}
		renewer := fakeRenewer{states: []certs.DomainState{
			{Domain: "a.example.com", Status: certs.StatusValid},
			{Domain: "b.example.com", Status: certs.StatusIssued},
			{Domain: "c.example.com", Status: certs.StatusIssued},
		}}
		states, err := renewAndApply(context.Background(), renewer, p, fakeRoutes{}, lease)
		require.NoError(t, err)
		assert.Len(t, states, 3)
		assert.Equal(t, 1, p.calls)
		assert.Same(t, lease, p.lease)
	})

	t.Run("nothing issued leaves proxy alone", func(t *testing.T) {
		p := &fakeApplier{}
		renewer := fakeRenewer{states: []certs.DomainState{{Domain: "a.example.com", Status: certs.StatusDegraded}}, err: errors.New("dry-run failed")}
		_, err := renewAndApply(context.Background(), renewer, p, fakeRoutes{}, lease)
		assert.ErrorContains(t, err, "dry-run failed")
		assert.Zero(t, p.calls)
	})

	t.Run("apply failure is reported", func(t *testing.T) {
		p := &fakeApplier{err: errors.New("nginx -t failed")}
		renewer := fakeRenewer{states: []certs.DomainState{{Domain: "b.example.com", Status: certs.StatusIssued}}}
		_, err := renewAndApply(context.Background(), renewer, p, fakeRoutes{}, lease)
		assert.ErrorContains(t, err, "re-apply proxy with TLS: nginx -t failed")
	})
}
