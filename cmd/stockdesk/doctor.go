package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/stockdesk/internal/doctor"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the local installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				// Keep going; the checks show what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if jsonOut {
				if err := printJSON(cmd.OutOrStdout(), diag); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				paint := newPainter(out)
				fmt.Fprintf(out, "stockdesk doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "[%s] %-13s %s\n", paint.status(fmt.Sprintf("%-4s", res.Status)), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", paint.dim(res.Detail))
					}
				}
			}
			if diag.Failed() {
				return &exitError{code: 1, err: fmt.Errorf("doctor: checks failed")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}
