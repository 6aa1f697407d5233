package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/cryptolog/apt-offline/pkg/syncer"
	"github.com/spf13/cobra"
)

var errBugsNotAccepted = errors.New("bug reports present: review them and rerun with --accept-bugs")

func newSyncCommand(_ *rootOptions) *cobra.Command {
	targets := syncer.DefaultTargets()
	var acceptBugs bool

	cmd := &cobra.Command{
		Use:   "sync <archive-or-dir>",
		Short: "Install fetched files on the offline machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := args[0]

			reports, err := syncer.BugReports(ctx, src)
			if err != nil {
				return err
			}
			if len(reports) > 0 {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d bug reports:\n", len(reports))
				for _, r := range reports {
					fmt.Fprintf(out, "  %s #%s: %s\n", r.Package, r.ID, r.Subject)
				}
				if !acceptBugs {
					return errBugsNotAccepted
				}
			}

			res, err := syncer.Sync(ctx, src, targets)
			if err != nil {
				return err
			}
			logctx.LoggerFromContext(ctx).Info("sync complete",
				slog.Int("installed", res.Installed),
				slog.Int("skipped", res.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVar(&targets.Update, "update-target", targets.Update, "directory for package index files")
	cmd.Flags().StringVar(&targets.Upgrade, "upgrade-target", targets.Upgrade, "directory for packages")
	cmd.Flags().BoolVar(&acceptBugs, "accept-bugs", false, "install even when bug reports are present")
	return cmd
}
