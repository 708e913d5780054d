package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteops/internal/models"
)

func testServices() []models.ServiceDescriptor {
	return []models.ServiceDescriptor{
		{Name: "frontend", Desired: true},
		{Name: "api", Desired: false},
	}
}

func TestNewRejectsDuplicatesAndDanglingRoutes(t *testing.T) {
	_, err := New([]models.ServiceDescriptor{{Name: "api"}, {Name: "api"}}, nil)
	assert.Error(t, err)

	_, err = New(testServices(), models.RoutingMap{"app.example.com": {Service: "missing"}})
	assert.Error(t, err)
}

func TestDesiredAndSetDesired(t *testing.T) {
	r, err := New(testServices(), models.RoutingMap{"app.example.com": {Service: "frontend", TLS: true}})
	require.NoError(t, err)

	desired := r.Desired()
	require.Len(t, desired, 1)
	assert.Equal(t, "frontend", desired[0].Name)

	require.NoError(t, r.SetDesired([]string{"api"}, true))
	assert.Len(t, r.Desired(), 2)

	assert.Error(t, r.SetDesired([]string{"api", "nope"}, false))
	svc, ok := r.Get("api")
	require.True(t, ok)
	assert.True(t, svc.Desired, "failed SetDesired must not partially apply")
}

func TestRoutesAreCopied(t *testing.T) {
	r, err := New(testServices(), models.RoutingMap{"app.example.com": {Service: "frontend", Paths: []string{"/"}}})
	require.NoError(t, err)

	routes := r.Routes()
	routes["other.example.com"] = models.Route{Service: "api"}
	route := routes["app.example.com"]
	route.Paths[0] = "/changed"

	assert.Len(t, r.Routes(), 1)
	assert.Equal(t, "/", r.Routes()["app.example.com"].Paths[0])
}
