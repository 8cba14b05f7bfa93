package main

import (
	"fmt"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/retry"
	"github.com/deepnoodle-ai/runlog/wire"
	"github.com/spf13/cobra"
)

func newSchedulesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and close scheduled wake-ups",
	}
	cmd.AddCommand(newSchedulesListCommand(a))
	cmd.AddCommand(newSchedulesCloseCommand(a))
	cmd.AddCommand(newSchedulesNextCommand(a))
	return cmd
}

func newSchedulesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <queue>",
		Short: "List open schedules of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var schedules []wire.Schedule
			err := retry.Do(ctx, func() error {
				var err error
				schedules, err = a.backend.ListSchedules(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				if schedules == nil {
					schedules = []wire.Schedule{}
				}
				return writeJSON(out, schedules)
			}
			for _, s := range schedules {
				printSchedule(cmd, s)
			}
			return nil
		},
	}
}

func printSchedule(cmd *cobra.Command, s wire.Schedule) {
	payload := ""
	if s.HasPayload {
		payload = yellow(" +payload")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s%s\n",
		runlog.TimeKey(s.At), faint(formatTime(s.At)), s.RunID, payload)
}

func newSchedulesCloseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <queue> <run_id> <time-key>",
		Short: "Close an open schedule slot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, runID := args[0], args[1]
			at, err := runlog.ParseTimeKey(args[2])
			if err != nil {
				return err
			}
			err = retry.Do(ctx, func() error {
				return a.backend.CloseSchedule(ctx, queue, runID, at)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s/%s/%s\n", queue, args[2], runID)
			return nil
		},
	}
}

func newSchedulesNextCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "next <queue>",
		Short: "Show the next due schedule whose run is not leased",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, err := a.coordinator()
			if err != nil {
				return err
			}
			next, err := coordinator.NextRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				return writeJSON(out, next)
			}
			if next == nil {
				fmt.Fprintln(out, "Nothing due")
				return nil
			}
			printSchedule(cmd, *next)
			return nil
		},
	}
}
