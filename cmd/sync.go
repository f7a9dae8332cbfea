package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/theirongolddev/burnline/internal/syncer"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate totals through the configured Redis instance",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send local changes to the remote replica",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd.Context(), "push", (*syncer.Syncer).Push)
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Merge newer remote rows into the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd.Context(), "pull", (*syncer.Syncer).Pull)
	},
}

func init() {
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSync(parent context.Context, verb string, op func(*syncer.Syncer, context.Context) (syncer.Report, error)) error {
	ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
	defer cancel()

	a, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, closeRemote, err := a.syncer(ctx)
	if err != nil {
		return err
	}
	defer closeRemote()

	rep, err := op(s, ctx)
	if err != nil {
		return fmt.Errorf("sync %s: %w", verb, err)
	}
	if flagJSON {
		return writeJSON(rep)
	}
	fmt.Printf("  %s: %d session(s), %d day(s), %d month(s)\n", verb, rep.Sessions, rep.Daily, rep.Monthly)
	if rep.Conflicts > 0 || rep.TotalConflicts > 0 {
		fmt.Printf("  Conflicts: %d this run, %d total\n", rep.Conflicts, rep.TotalConflicts)
	}
	return nil
}
