package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type certRenewer interface {
	RenewAll(ctx context.Context) ([]certs.DomainState, error)
}

type routeApplier interface {
	Apply(ctx context.Context, routes models.RoutingMap, lease *lock.Lease) error
}

type routeSource interface {
	Routes() models.RoutingMap
}

// renewAndApply runs one renewal round and, when a certificate was issued,
// re-applies the routing map so the proxy serves TLS with it.
func renewAndApply(ctx context.Context, renewer certRenewer, proxy routeApplier, routes routeSource, lease *lock.Lease) ([]certs.DomainState, error) {
	states, err := renewer.RenewAll(ctx)
	for _, st := range states {
		if st.Status != certs.StatusIssued {
			continue
		}
		if applyErr := proxy.Apply(ctx, routes.Routes(), lease); applyErr != nil {
			err = errors.Join(err, fmt.Errorf("re-apply proxy with TLS: %w", applyErr))
		}
		break
	}
	return states, err
}

func newCertsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "certs",
		Short:   "Certificate commands",
		Aliases: []string{"cert"},
	}

	cmd.AddCommand(newCertsRenewCommand(opts))
	cmd.AddCommand(newCertsListCommand(opts))

	return cmd
}

func newCertsRenewCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Issue missing and renew expiring certificates of TLS routes",
		Long: `Issue missing certificates and renew those inside the renewal window. Every
installed certificate is first checked with a dry-run renewal; a failing
dry-run marks the domain degraded and keeps the installed certificate.`,
		Args: cobra.NoArgs,
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

			lease, err := a.lock.Acquire("certs:renew")
			if err != nil {
				return err
			}
			defer lease.Release()

			states, renewErr := renewAndApply(cmd.Context(), a.certs, a.proxy, a.registry, lease)
			if err := printCertificates(cmd.OutOrStdout(), states); err != nil {
				return err
			}
			return renewErr
		},
	}
}

func newCertsListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "Show the installed certificate of every TLS route",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			store := certs.NewStore(cfg.Certs.LiveDir)
			now := time.Now()
			var states []certs.DomainState
			for _, domain := range cfg.RoutingMap().TLSDomains() {
				st := certs.DomainState{Domain: domain, Status: certs.StatusMissing, CheckedAt: now}
				cert, err := store.Load(domain)
				switch {
				case err != nil:
					st.LastError = err.Error()
				case now.After(cert.NotAfter):
					st.Status, st.NotAfter = certs.StatusExpired, cert.NotAfter
				default:
					st.Status, st.NotAfter = certs.StatusValid, cert.NotAfter
				}
				states = append(states, st)
			}
			return printCertificates(cmd.OutOrStdout(), states)
		},
	}
}

func printCertificates(out io.Writer, states []certs.DomainState) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tSTATUS\tEXPIRES\tERROR")
	for _, s := range states {
		expires := "-"
		if !s.NotAfter.IsZero() {
			expires = s.NotAfter.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Domain, s.Status, expires, truncate(s.LastError, 60))
	}
	return w.Flush()
}
