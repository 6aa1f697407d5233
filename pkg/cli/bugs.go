package cli

import (
	"fmt"

	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/spf13/cobra"
)

func newBugsCommand(opts *rootOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "bugs <package>...",
		Short: "List actionable bug reports for packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := trackerClient(opts.cfg)
			if err != nil {
				return err
			}
			collector := bugs.NewCollector(tracker)
			out := cmd.OutOrStdout()

			for _, pkg := range args {
				status, err := collector.Each(cmd.Context(), pkg, func(r bugs.Report) error {
					if full {
						_, err := fmt.Fprint(out, r.Body)
						return err
					}
					_, err := fmt.Fprintf(out, "%s #%s: %s\n", r.Package, r.ID, r.Subject)
					return err
				})
				if err != nil {
					return err
				}
				switch status {
				case bugs.NoReports:
					fmt.Fprintf(out, "%s: no actionable bug reports\n", pkg)
				case bugs.NoData:
					fmt.Fprintf(out, "%s: bug tracker unavailable\n", pkg)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print full reports with followups")
	return cmd
}
