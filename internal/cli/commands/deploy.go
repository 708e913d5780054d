package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteops/internal/orchestrator"
)

func newDeployCommand(opts *globalOptions) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy [plan]",
		Short: "Run a deployment plan",
		Long: `Run the named plan phase by phase under the deployment lock. A phase that
fails its verification aborts the run and the completed phases are rolled
back in reverse order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.plan(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			o := orchestrator.New(orchestrator.Options{
				Lock:     a.lock,
				Registry: a.registry,
				Proxy:    a.proxy,
				Recorder: a.store,
				Desired:  a.store,
				Logger:   log.Named("deploy"),
			})
			out, runErr := o.Run(ctx, plan)
			if out != nil {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(out); err != nil {
						return err
					}
				} else if err := printOutcome(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the outcome as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run between phases after this long")
	return cmd
}

func printOutcome(out io.Writer, o *orchestrator.Outcome) error {
	fmt.Fprintf(out, "Run %s of plan %s: %s\n", o.RunID, o.Plan, o.Status)
	if o.FailedPhase != "" {
		fmt.Fprintf(out, "Failed phase: %s\n", o.FailedPhase)
	}
	if len(o.Phases) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tPHASE\tSTATUS\tDURATION")
		for _, p := range o.Phases {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Position+1, p.Name, p.Status, p.Duration.Round(time.Millisecond))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(o.RolledBack) > 0 {
		fmt.Fprintf(out, "Rolled back: %v\n", o.RolledBack)
	}
	for _, f := range o.RollbackFailures {
		fmt.Fprintf(out, "Rollback failed: %s\n", f)
	}
	return nil
}
