package main

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/retry"
	"github.com/spf13/cobra"
)

func newLeasesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect run leases",
	}
	cmd.AddCommand(newLeasesListCommand(a))
	return cmd
}

func newLeasesListCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var leases []*runlog.Lease
			err := retry.Do(ctx, func() error {
				var err error
				if all {
					leases, err = a.leases.ListLeases(ctx)
					return err
				}
				coordinator, err := a.coordinator()
				if err != nil {
					return err
				}
				leases, err = coordinator.ActiveLeases(ctx)
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				if leases == nil {
					leases = []*runlog.Lease{}
				}
				return writeJSON(out, leases)
			}
			now := time.Now()
			for _, lease := range leases {
				state := green("active")
				if !lease.Active(now) {
					state = faint("inactive")
				}
				owner := lease.Owner
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(out, "%s  token=%d  owner=%s  expires=%s  %s\n",
					lease.RunID, lease.Token, owner, formatTime(lease.ExpiresAt), state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include released and expired leases")
	return cmd
}
