package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/stockdesk/internal/lock"
	"github.com/basket/stockdesk/internal/telemetry"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance jobs once against the local stores",
		Long: "sweep requeues expired queue entries, fails zombie tasks, purges expired KV\n" +
			"entries and applies retention, then exits. Jobs held by a running server are skipped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := telemetry.NewStderrLogger(cfg.LogLevel)
			rt, err := openRuntime(cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			sched, err := rt.scheduler()
			if err != nil {
				return err
			}
			names := sched.Jobs()
			if job != "" {
				names = []string{job}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tAFFECTED\tRESULT")
			var errs []error
			for _, name := range names {
				n, err := sched.RunNow(cmd.Context(), name)
				switch {
				case errors.Is(err, lock.ErrLockContention):
					fmt.Fprintf(tw, "%s\t-\tskipped (held elsewhere)\n", name)
				case err != nil:
					fmt.Fprintf(tw, "%s\t%d\terror: %v\n", name, n, err)
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				default:
					fmt.Fprintf(tw, "%s\t%d\tok\n", name, n)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "run only this job")
	return cmd
}
