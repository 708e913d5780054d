package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siteops/internal/alert"
	"github.com/siteops/internal/api"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
	"github.com/siteops/internal/monitor"
	"github.com/siteops/internal/notify"
	"github.com/siteops/internal/telemetry"
)

func newMonitorCommand(opts *globalOptions) *cobra.Command {
	var noRenew bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the health monitor, alert engine and status API",
		Long: `Run until interrupted: poll every desired service, restart a failing one
once per failure episode, evaluate alert rules over the collected samples,
renew certificates and serve the status API. Edits to the configuration
file reload services, routes, rules and receivers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMonitor(ctx, a, loader, !noRenew)
		},
	}

	cmd.Flags().BoolVar(&noRenew, "no-renew", false, "Do not renew certificates periodically")
	return cmd
}

func runMonitor(ctx context.Context, a *app, loader *config.Loader, renew bool) error {
	cfg, log := a.cfg, a.log
	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	notifiers, err := notify.FromConfig(cfg.Receivers())
	if err != nil {
		return &config.ConfigurationError{Field: "alerts.receivers", Msg: "cannot build receivers", Err: err}
	}

	mon := monitor.New(monitor.Options{
		Services:         &desiredServices{services: a.registry, store: a.store, log: log.Named("monitor")},
		Prober:           a.prober,
		Resources:        a.usage(),
		Supervisor:       a.supervisor,
		Runner:           a.runner,
		Lock:             a.lock,
		Group:            a.group,
		Logger:           log.Named("monitor"),
		Interval:         cfg.Monitor.Interval,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Concurrency:      cfg.Monitor.Concurrency,
		SampleBuffer:     cfg.Monitor.SampleBuffer,
	})
	dispatcher := alert.NewDispatcher(notifiers, alert.DispatcherOptions{
		PerMinute: cfg.Alerts.RateLimit.PerMinute,
		Burst:     cfg.Alerts.RateLimit.Burst,
		History:   a.store,
		Logger:    log.Named("notify"),
	})
	engine := alert.New(alert.Options{
		Rules:     alertRules(cfg),
		Window:    cfg.Alerts.Window,
		Interval:  cfg.Alerts.Interval,
		Collector: a.collectors(),
		Samples:   mon.Samples(),
		Events:    mon.Events(),
		Sender:    dispatcher,
		Logger:    log.Named("alert"),
	})

	if loader != nil {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				log.Error("configuration change rejected", zap.Error(err))
				return
			}
			if err := a.registry.Reload(next.ServiceDescriptors(), next.RoutingMap()); err != nil {
				log.Error("failed to reload services", zap.Error(err))
				return
			}
			engine.SetRules(alertRules(next))
			if n, err := notify.FromConfig(next.Receivers()); err != nil {
				log.Error("failed to reload receivers", zap.Error(err))
			} else {
				dispatcher.SetNotifiers(n)
			}
			log.Info("configuration reloaded", zap.String("file", loader.File()))
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	if renew {
		every := cfg.Certs.RenewInterval
		if every <= 0 {
			every = 24 * time.Hour
		}
		g.Go(func() error {
			renewCertificates(ctx, a, log)
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					renewCertificates(ctx, a, log)
				}
			}
		})
	}
	if cfg.API.Enabled {
		srv := api.NewServer(api.Config{
			Listen:  cfg.API.Listen,
			Health:  mon,
			Alerts:  engine,
			Certs:   a.certs,
			History: a.store,
			Lock:    a.lock,
			Logger:  log.Named("api"),
		})
		g.Go(func() error { return srv.Run(ctx) })
	}

	log.Info("monitor started",
		zap.Int("services", len(a.registry.Desired())),
		zap.Int("rules", len(engine.Rules())),
		zap.Strings("receivers", dispatcher.Receivers()),
	)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("monitor stopped")
	return err
}

// renewCertificates runs one renewal round unless a deployment holds the
// lock; the next tick retries. The round shares the monitor's hold so
// restarts are not deferred by it.
func renewCertificates(ctx context.Context, a *app, log *zap.Logger) {
	member, err := a.group.Join("certs:renew")
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			log.Info("certificate renewal deferred", zap.String("holder", held.Holder.String()))
			return
		}
		log.Error("failed to acquire lock for renewal", zap.Error(err))
		return
	}
	defer member.Release()

	states, err := renewAndApply(ctx, a.certs, a.proxy, a.registry, member.Lease())
	if err != nil {
		log.Warn("certificate renewal incomplete", zap.Int("domains", len(states)), zap.Error(err))
		return
	}
	log.Info("certificates checked", zap.Int("domains", len(states)))
}

type serviceLister interface {
	List() []models.ServiceDescriptor
}

type desiredStates interface {
	DesiredStates(ctx context.Context) (map[string]bool, error)
}

// desiredServices overlays the desired flags persisted by deployments on
// the configured services, so services started by a plan are watched even
// when the configuration leaves them undesired.
type desiredServices struct {
	services serviceLister
	store    desiredStates
	log      *zap.Logger
}

func (d *desiredServices) Desired() []models.ServiceDescriptor {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	states, err := d.store.DesiredStates(ctx)
	if err != nil {
		d.log.Warn("persisted desired state unavailable", zap.Error(err))
	}
	var out []models.ServiceDescriptor
	for _, svc := range d.services.List() {
		if want, ok := states[svc.Name]; ok {
			svc.Desired = want
		}
		if svc.Desired {
			out = append(out, svc)
		}
	}
	return out
}
