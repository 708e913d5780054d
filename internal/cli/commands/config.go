package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/executor"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/monitor"
	"github.com/siteops/internal/orchestrator"
	"github.com/siteops/internal/proxy"
	"github.com/siteops/internal/registry"
	"github.com/siteops/internal/supervisor"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Configuration commands",
		Aliases: []string{"cfg"},
	}

	cmd.AddCommand(newConfigValidateCommand(opts))

	return cmd
}

func newConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every plan without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := validatePlans(cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid: %s, %s, %s, %s\n",
				loader.File(),
				plural(len(cfg.Services), "service"),
				plural(len(cfg.Routes), "route"),
				plural(len(cfg.Plans), "plan"),
				plural(len(alertRules(cfg)), "alert rule"),
			)
			return nil
		},
	}
}

// validatePlans builds every plan against local capabilities that are never
// invoked, so phase construction errors surface before any deployment.
func validatePlans(cfg *config.Config) error {
	reg, err := registry.New(cfg.ServiceDescriptors(), cfg.RoutingMap())
	if err != nil {
		return &config.ConfigurationError{Field: "services", Msg: "invalid registry", Err: err}
	}
	runner := executor.NewLocal(zap.NewNop())
	certMgr := certs.NewManager(certs.Config{}, certs.NewCertbot(certs.CertbotConfig{}, runner), certs.NewStore(cfg.Certs.LiveDir), reg, nil)
	deps := orchestrator.Deps{
		Runner:  runner,
		Checker: monitor.NewProber(cfg.Monitor.ProbeTimeout),
		Proxy: proxy.NewManager(proxy.ManagerConfig{
			Proxy:    proxy.NewNginx(proxy.NginxConfig{ConfigPath: cfg.Proxy.ConfigPath}, runner, nil),
			Lock:     lock.New(),
			Certs:    certMgr,
			Services: reg,
		}),
		Certs:      certMgr,
		Supervisor: supervisor.NewSystemd(runner),
		Services:   reg,
	}

	names := make([]string, 0, len(cfg.Plans))
	for name := range cfg.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := orchestrator.BuildPlan(name, cfg.Plans[name], deps); err != nil {
			return err
		}
	}
	return nil
}
