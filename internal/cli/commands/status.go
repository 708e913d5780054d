package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteops/internal/api"
	"github.com/siteops/internal/api/client"
	"github.com/siteops/internal/config"
	"github.com/siteops/internal/lock"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show service health, the deployment lock and firing alerts",
		Aliases: []string{"st"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if !watch {
				return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, log)
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, log); err != nil {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
				fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J") // Clear screen
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh the status continuously")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval with --watch")
	return cmd
}

// showStatus asks the running monitor first. Without one, only the lock
// holder is known.
func showStatus(ctx context.Context, out io.Writer, cfg *config.Config, log *zap.Logger) error {
	if cfg.API.Enabled {
		st, err := client.ForListen(cfg.API.Listen, 5*time.Second).Status(ctx)
		if err == nil {
			return printStatus(out, st)
		}
		log.Debug("monitor API unreachable", zap.String("listen", cfg.API.Listen), zap.Error(err))
	}

	fmt.Fprintln(out, "Monitor is not running; service health is unknown.")
	st := &api.Status{GeneratedAt: time.Now().UTC()}
	if h, held := lock.New(lock.WithFile(cfg.Lock.Path)).Held(); held {
		st.Lock = &h
	}
	return printStatus(out, st)
}

func printStatus(out io.Writer, st *api.Status) error {
	if st.Lock != nil {
		fmt.Fprintf(out, "Lock: held by %s\n", st.Lock)
	} else {
		fmt.Fprintln(out, "Lock: free")
	}
	fmt.Fprintf(out, "Firing alerts: %d\n", st.FiringAlerts)

	if len(st.Services) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tFAILURES\tREMEDIATED\tLAST PROBE\tLAST ERROR")
		for _, s := range st.Services {
			probe := "-"
			if !s.LastProbe.IsZero() {
				probe = s.LastProbe.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
				s.Service,
				s.State,
				s.ConsecutiveFailures,
				s.RemediationAttempted,
				probe,
				truncate(s.LastError, 60),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(st.Certificates) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tCERTIFICATE\tEXPIRES")
		for _, c := range st.Certificates {
			expires := "-"
			if !c.NotAfter.IsZero() {
				expires = c.NotAfter.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Domain, c.Status, expires)
		}
		return w.Flush()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
