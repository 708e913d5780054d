package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "siteops",
		Short: "siteops - deploy, monitor and alert for a single host",
		Long: `siteops deploys services to a single host through ordered, verified phases,
keeps them healthy with a monitor that restarts failing services once per
episode, and raises alerts from collected metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default siteops.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug/info/warn/error)")
	cmd.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "Write JSON log lines")

	cmd.AddCommand(newDeployCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newAlertCommand(opts))
	cmd.AddCommand(newMonitorCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newCertsCommand(opts))
	cmd.AddCommand(newReportCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger it asks for.
func (o *globalOptions) load() (*config.Loader, *config.Config, *zap.Logger, error) {
	loader := config.NewLoader(o.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := logging.New(level, cfg.Logging.JSON || o.jsonLogs)
	if err != nil {
		return nil, nil, nil, &config.ConfigurationError{Field: "logging.level", Msg: "invalid log level", Err: err}
	}
	return loader, cfg, log, nil
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
