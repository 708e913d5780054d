package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteops/internal/alert"
	"github.com/siteops/internal/api/client"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/models"
)

func newAlertCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alert",
		Short:   "Alert commands",
		Aliases: []string{"alerts", "a"},
	}

	cmd.AddCommand(newAlertListCommand(opts))
	cmd.AddCommand(newAlertRulesCommand(opts))

	return cmd
}

func newAlertListCommand(opts *globalOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List alerts firing in the running monitor",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			if !cfg.API.Enabled {
				return &config.ConfigurationError{Field: "api.enabled", Msg: "the status API is disabled"}
			}

			alerts, err := client.ForListen(cfg.API.Listen, 5*time.Second).Alerts(cmd.Context(), level)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "RULE\tSERIES\tLEVEL\tCONDITION\tVALUE\tRECEIVER\tSINCE")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
					a.Rule,
					a.SeriesKey,
					a.Level,
					a.Condition,
					a.Value,
					a.Receiver,
					a.FirstFired.Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "Filter by alert level (info/warning/critical)")
	return cmd
}

func newAlertRulesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the alert rules the monitor evaluates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tCONDITION\tSUSTAIN\tREPEAT\tLEVEL\tRECEIVER")
			for _, r := range alertRules(cfg) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Name,
					r.Condition(),
					r.Sustain,
					r.RepeatInterval,
					r.Level,
					r.Receiver,
				)
			}
			return w.Flush()
		},
	}
}

// alertRules returns the configured rules, or the built-in ones when none
// are configured.
func alertRules(cfg *config.Config) []models.AlertRule {
	if rules := cfg.AlertRules(); len(rules) > 0 {
		return rules
	}
	return alert.DefaultRules()
}
