package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteops/internal/database"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recorded deployments and notifications",
		Aliases: []string{"hist"},
	}

	cmd.AddCommand(newHistoryDeploymentsCommand(opts))
	cmd.AddCommand(newHistoryNotificationsCommand(opts))

	return cmd
}

func newHistoryDeploymentsCommand(opts *globalOptions) *cobra.Command {
	var (
		plan  string
		limit int
	)

	cmd := &cobra.Command{
		Use:     "deployments",
		Short:   "List recent deployment runs",
		Aliases: []string{"runs"},
		Args:    cobra.NoArgs,
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

			runs, err := store.RecentRuns(cmd.Context(), plan, limit)
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tFAILED PHASE\tSTARTED\tDURATION")
			for _, r := range runs {
				failed := r.FailedPhase
				if failed == "" {
					failed = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RunID,
					r.Plan,
					r.Status,
					failed,
					r.StartedAt.Format(time.RFC3339),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&plan, "plan", "", "Only show runs of this plan")
	cmd.Flags().IntVar(&limit, "limit", 20, "Limit the number of runs")
	return cmd
}

func newHistoryNotificationsCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "notifications",
		Short:   "List recent alert notifications",
		Aliases: []string{"notify"},
		Args:    cobra.NoArgs,
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

			recs, err := store.RecentNotifications(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list notifications: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tRECEIVER\tKIND\tRULES\tFIRING\tRESOLVED\tSTATUS")
			for _, n := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					n.SentAt.Format(time.RFC3339),
					n.Receiver,
					n.Kind,
					n.Rules,
					n.Firing,
					n.Resolved,
					n.Status,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Limit the number of records")
	return cmd
}
