package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/database"
	"github.com/siteops/internal/notify"
	"github.com/siteops/internal/report"
)

func newReportCommand(opts *globalOptions) *cobra.Command {
	var (
		days   int
		mailTo []string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize deployments and notifications of the last days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			store, err := database.Open(cfg.Database.Path, log)
			if err != nil {
				return err
			}
			defer store.Close()

			end := time.Now().UTC()
			start := end.AddDate(0, 0, -days)
			gen := report.NewGenerator(store)
			data, err := gen.Collect(cmd.Context(), start, end)
			if err != nil {
				return err
			}

			if len(mailTo) == 0 {
				return printReport(cmd.OutOrStdout(), data)
			}
			if cfg.Alerts.SMTP.Host == "" {
				return &config.ConfigurationError{Field: "alerts.smtp.host", Msg: "required to mail reports"}
			}
			body, err := gen.HTML(data)
			if err != nil {
				return err
			}
			if err := notify.NewEmail(cfg.Alerts.SMTP, mailTo).SendHTML(cmd.Context(), report.Subject(data), body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report sent to %v\n", mailTo)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to cover")
	cmd.Flags().StringSliceVar(&mailTo, "mail", nil, "Mail the report to these addresses instead of printing it")
	return cmd
}

func printReport(out io.Writer, data *report.Data) error {
	d := data.Deployments
	fmt.Fprintf(out, "%s\n\n", report.Subject(data))
	fmt.Fprintf(out, "Deployments: %d (%d succeeded, %d failed, %d cancelled)\n", d.Total, d.Succeeded, d.Failed, d.Cancelled)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	if len(data.Plans) > 0 {
		fmt.Fprintln(w, "PLAN\tRUNS\tSUCCESS\tAVG DURATION\tLAST")
		for _, p := range data.Plans {
			fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%s\t%s\n", p.Plan, p.Runs, p.SuccessRate(), p.AvgDuration, p.LastStatus)
		}
		fmt.Fprintln(w)
	}
	if len(data.FailedPhases) > 0 {
		fmt.Fprintln(w, "PLAN\tFAILING PHASE\tFAILURES")
		for _, p := range data.FailedPhases {
			fmt.Fprintf(w, "%s\t%s\t%d\n", p.Plan, p.Phase, p.Failures)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	n := data.Notifications
	fmt.Fprintf(out, "Notifications: %d (%d failed), %d firing, %d resolved\n", n.Total, n.Failed, n.Firing, n.Resolved)
	for _, r := range n.ByRule {
		fmt.Fprintf(out, "  %s: %d\n", r.Rule, r.Count)
	}
	return nil
}
