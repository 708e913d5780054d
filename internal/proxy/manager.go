package proxy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

// ValidationError reports a routing map or rendered configuration that was
// rejected. The live configuration is untouched when it is returned.
type ValidationError struct {
	Reason string
	Output string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "proxy config rejected: " + e.Reason
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Proxy is the reverse-proxy capability.
type Proxy interface {
	// Validate checks a candidate configuration with the proxy's own
	// validator without touching the live configuration.
	Validate(ctx context.Context, config []byte) (output string, err error)
	// Activate atomically replaces the live configuration and reloads.
	Activate(ctx context.Context, config []byte) error
	// Current returns the live configuration, nil if there is none.
	Current(ctx context.Context) ([]byte, error)
}

// Manager renders, validates and activates proxy configuration.
type Manager struct {
	proxy    Proxy
	lock     *lock.Lock
	certs    CertSource
	services ServiceLookup
	webroot  string
	log      *zap.Logger

	mu     sync.Mutex
	routes models.RoutingMap
}

type ManagerConfig struct {
	Proxy    Proxy
	Lock     *lock.Lock
	Certs    CertSource
	Services ServiceLookup
	Webroot  string
	Logger   *zap.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Webroot == "" {
		cfg.Webroot = "/var/www/letsencrypt"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		proxy:    cfg.Proxy,
		lock:     cfg.Lock,
		certs:    cfg.Certs,
		services: cfg.Services,
		webroot:  cfg.Webroot,
		log:      cfg.Logger,
	}
}

// Apply renders routes and activates them if the proxy accepts the result.
// While the deployment lock is held, lease must be the holder's lease.
func (m *Manager) Apply(ctx context.Context, routes models.RoutingMap, lease *lock.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkRoutes(routes, m.services); err != nil {
		return err
	}
	rendered, err := Render(routes, m.certs, m.webroot)
	if err != nil {
		return err
	}

	if err := m.checkLock(lease); err != nil {
		return err
	}

	current, err := m.proxy.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read live proxy config: %w", err)
	}
	if bytes.Equal(current, rendered) {
		m.log.Debug("proxy config unchanged", zap.Int("domains", len(routes)))
		m.routes = routes.Clone()
		return nil
	}

	output, err := m.proxy.Validate(ctx, rendered)
	if err != nil {
		m.log.Warn("proxy config failed validation", zap.Error(err), zap.String("output", output))
		return &ValidationError{Reason: "validator rejected candidate", Output: output, Err: err}
	}

	// The lock may have changed hands while the validator ran.
	if err := m.checkLock(lease); err != nil {
		return err
	}
	if err := m.proxy.Activate(ctx, rendered); err != nil {
		return fmt.Errorf("failed to activate proxy config: %w", err)
	}
	m.routes = routes.Clone()
	m.log.Info("proxy config activated", zap.Strings("domains", routes.Domains()))
	return nil
}

// Active returns the routing map of the last successful Apply.
func (m *Manager) Active() models.RoutingMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routes == nil {
		return nil
	}
	return m.routes.Clone()
}

func (m *Manager) checkLock(lease *lock.Lease) error {
	if lease.Valid() || m.lock == nil {
		return nil
	}
	if h, held := m.lock.Held(); held {
		return &lock.HeldError{Holder: h}
	}
	return nil
}
