package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/collector"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/database"
	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/monitor"
	"github.com/siteops/internal/orchestrator"
	"github.com/siteops/internal/proxy"
	"github.com/siteops/internal/registry"
	"github.com/siteops/internal/supervisor"
)

// app holds the components shared by the commands, built from one
// configuration.
type app struct {
	cfg *config.Config
	log *zap.Logger

	runner     executor.Runner
	docker     *client.Client
	lock       *lock.Lock
	group      *lock.Group
	registry   *registry.Registry
	supervisor supervisor.Supervisor
	prober     *monitor.Prober
	certs      *certs.Manager
	proxy      *proxy.Manager
	store      *database.Store

	closers []io.Closer
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg := a.cfg

	if cfg.Remote() {
		ssh, err := executor.NewSSH(executor.SSHConfig{
			Host:           cfg.TargetHost,
			Port:           cfg.Executor.Port,
			User:           cfg.Executor.User,
			KeyFile:        config.ExpandHome(cfg.Executor.KeyFile),
			KnownHostsFile: config.ExpandHome(cfg.Executor.KnownHostsFile),
			DialTimeout:    cfg.Executor.DialTimeout,
		}, a.log.Named("ssh"))
		if err != nil {
			return &config.ConfigurationError{Field: "executor", Msg: "cannot set up ssh to " + cfg.TargetHost, Err: err}
		}
		a.runner = ssh
		a.closers = append(a.closers, ssh)
	} else {
		a.runner = executor.NewLocal(a.log.Named("exec"))
	}

	reg, err := registry.New(cfg.ServiceDescriptors(), cfg.RoutingMap())
	if err != nil {
		return err
	}
	a.registry = reg
	a.lock = lock.New(lock.WithFile(cfg.Lock.Path))
	a.group = lock.NewGroup(a.lock)
	a.prober = monitor.NewProber(cfg.Monitor.ProbeTimeout)

	if cfg.Supervisor.Type == config.SupervisorDocker || cfg.Monitor.DockerStats {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		a.docker = cli
		a.closers = append(a.closers, cli)
	}
	if cfg.Supervisor.Type == config.SupervisorDocker {
		a.supervisor = supervisor.NewDocker(a.docker, cfg.Supervisor.StopTimeout)
	} else {
		a.supervisor = supervisor.NewSystemd(a.runner)
	}

	authority := certs.NewCertbot(certs.CertbotConfig{
		Binary:     cfg.Certs.Certbot,
		Email:      cfg.Certs.Email,
		Webroot:    cfg.Proxy.Webroot,
		Staging:    cfg.Certs.Staging,
		DeployHook: cfg.Certs.DeployHook,
	}, a.runner)
	a.certs = certs.NewManager(certs.Config{
		RenewBefore: cfg.Certs.RenewBefore,
		Timeout:     cfg.Certs.Timeout,
	}, authority, certs.NewStore(cfg.Certs.LiveDir), reg, a.log.Named("certs"))

	nginx := proxy.NewNginx(proxy.NginxConfig{
		ConfigPath:      cfg.Proxy.ConfigPath,
		ValidateCommand: cfg.Proxy.ValidateCommand,
		ReloadCommand:   cfg.Proxy.ReloadCommand,
		Timeout:         cfg.Proxy.Timeout,
	}, a.runner, a.log.Named("nginx"))
	a.proxy = proxy.NewManager(proxy.ManagerConfig{
		Proxy:    nginx,
		Lock:     a.lock,
		Certs:    a.certs,
		Services: reg,
		Webroot:  cfg.Proxy.Webroot,
		Logger:   a.log.Named("proxy"),
	})

	store, err := database.Open(cfg.Database.Path, a.log.Named("database"))
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store)
	return nil
}

// plan builds the named plan against the app's capabilities.
func (a *app) plan(name string) (orchestrator.Plan, error) {
	pc, ok := a.cfg.Plans[name]
	if !ok {
		return orchestrator.Plan{}, &config.ConfigurationError{Field: "plans." + name, Msg: "no such plan"}
	}
	return orchestrator.BuildPlan(name, pc, a.deps())
}

func (a *app) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Runner:     a.runner,
		Checker:    a.prober,
		Proxy:      a.proxy,
		Certs:      a.certs,
		Supervisor: a.supervisor,
		Services:   a.registry,
	}
}

// collectors are the metric sources scraped by the alert engine.
func (a *app) collectors() collector.Multi {
	var out collector.Multi
	for _, s := range a.cfg.Alerts.Scrape {
		out = append(out, collector.NewPrometheus(collector.PrometheusTarget{
			Name:    s.Name,
			URL:     s.URL,
			Include: s.Include,
			Labels:  s.Labels,
			Timeout: s.Timeout,
		}))
	}
	out = append(out, collector.NewDisk(a.registry))
	return out
}

// usage reads resource usage for threshold checks in the monitor.
func (a *app) usage() *collector.UsageReader {
	if a.docker != nil && a.cfg.Monitor.DockerStats {
		return collector.NewUsageReader(collector.NewDockerStats(a.docker, a.registry))
	}
	return collector.NewUsageReader(nil)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.log.Sync()
	return errors.Join(errs...)
}
