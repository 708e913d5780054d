package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/siteops/internal/models"
)

// Registry holds the managed service descriptors and the routing map. It is
// loaded from configuration, read by the monitor, and its desired-state
// flags are updated by the orchestrator after a successful run.
type Registry struct {
	mu       sync.RWMutex
	services map[string]models.ServiceDescriptor
	routes   models.RoutingMap
}

// Snapshot is an immutable copy of the registry contents.
type Snapshot struct {
	Services []models.ServiceDescriptor
	Routes   models.RoutingMap
}

func New(services []models.ServiceDescriptor, routes models.RoutingMap) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(services, routes); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the registry contents. Service names must be unique and
// every route must reference a known service.
func (r *Registry) Reload(services []models.ServiceDescriptor, routes models.RoutingMap) error {
	byName := make(map[string]models.ServiceDescriptor, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if _, dup := byName[svc.Name]; dup {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		byName[svc.Name] = svc
	}
	for domain, route := range routes {
		if _, ok := byName[route.Service]; !ok {
			return fmt.Errorf("route %s references unknown service %q", domain, route.Service)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = byName
	r.routes = routes.Clone()
	return nil
}

func (r *Registry) Get(name string) (models.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// List returns all services sorted by name.
func (r *Registry) List() []models.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ServiceDescriptor, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Desired returns the services that should be running, sorted by name.
func (r *Registry) Desired() []models.ServiceDescriptor {
	all := r.List()
	out := all[:0]
	for _, svc := range all {
		if svc.Desired {
			out = append(out, svc)
		}
	}
	return out
}

// SetDesired marks the named services as desired (or not). Unknown names
// are reported and nothing is changed.
func (r *Registry) SetDesired(names []string, desired bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.services[name]; !ok {
			return fmt.Errorf("unknown service %q", name)
		}
	}
	for _, name := range names {
		svc := r.services[name]
		svc.Desired = desired
		r.services[name] = svc
	}
	return nil
}

func (r *Registry) Routes() models.RoutingMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes.Clone()
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{Services: r.List(), Routes: r.Routes()}
}
