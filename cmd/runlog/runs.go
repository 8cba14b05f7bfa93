package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/retry"
	"github.com/deepnoodle-ai/runlog/wire"
	"github.com/spf13/cobra"
)

func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and maintain run histories",
	}
	cmd.AddCommand(newRunsListCommand(a))
	cmd.AddCommand(newRunsShowCommand(a))
	cmd.AddCommand(newRunsCompactCommand(a))
	cmd.AddCommand(newRunsVerifyCommand(a))
	cmd.AddCommand(newRunsLogsCommand(a))
	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var summaries []*runlog.RunSummary
			err := retry.Do(ctx, func() error {
				var err error
				summaries, err = runlog.ListRunSummaries(ctx, a.backend)
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				return writeJSON(out, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No runs")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s  %4d ops  %s\n", s.RunID, s.Operations, runState(s))
			}
			return nil
		},
	}
}

func runState(s *runlog.RunSummary) string {
	switch {
	case s.Error != "":
		return red("error: " + s.Error)
	case s.Result != nil && s.Result.Ok:
		return green("stopped (ok)")
	case s.Result != nil:
		return red("stopped (err)")
	case s.Stopped:
		return green("stopped")
	default:
		return yellow("running")
	}
}

func newRunsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show the recovered operations of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := a.recoverRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run.Len() == 0 {
				return fmt.Errorf("run %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			if a.json {
				records, err := run.Records()
				if err != nil {
					return err
				}
				return writeJSON(out, records)
			}
			for i, op := range run.Operations() {
				fmt.Fprintf(out, "%s %s\n", faint(fmt.Sprintf("%3d", i)), op)
			}
			return nil
		},
	}
}

func newRunsCompactCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <run_id>",
		Short: "Rewrite a run's history without duplicate operations",
		Long: "Recovers the run, drops duplicate operations and persists the result. " +
			"The run is leased for the duration so a live worker cannot interleave writes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			var records *wire.Records
			err := retry.Do(ctx, func() error {
				var err error
				records, err = a.backend.ReadEvents(ctx, runID)
				return err
			})
			if err != nil {
				return err
			}
			if records == nil {
				return fmt.Errorf("run %s not found", runID)
			}

			coordinator, err := a.coordinator()
			if err != nil {
				return err
			}
			owner := a.cfg.Leases.Owner
			if owner == "" {
				owner = runlog.NewWorkerID()
			}
			lease, err := coordinator.AcquireLease(ctx, runID, owner, a.cfg.Leases.TTL)
			if err != nil {
				return err
			}
			defer func() {
				if err := coordinator.RemoveLease(ctx, lease); err != nil {
					a.logger.Warn("failed to release lease", "run_id", runID, "token", lease.Token, "error", err)
				}
			}()

			stats := &recoveryStats{}
			run, err := a.recoverRun(ctx, runID, runlog.WithRunCallbacks(stats))
			if err != nil {
				return err
			}
			dropped := stats.dropped

			fenced := runlog.NewFencedBackend(a.backend, coordinator, lease)
			if err := retry.Do(ctx, func() error { return run.PersistInto(ctx, fenced) }); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				return writeJSON(out, map[string]any{
					"run_id":     runID,
					"operations": run.Len(),
					"dropped":    dropped,
				})
			}
			fmt.Fprintf(out, "Compacted %s: %d operations, %s duplicates dropped\n",
				cyan(runID), run.Len(), green(dropped))
			return nil
		},
	}
}

// recoveryStats keeps the outcome of the last successful recovery.
type recoveryStats struct {
	runlog.BaseRunCallbacks
	dropped int
}

func (s *recoveryStats) AfterRecover(ctx context.Context, event *runlog.RunEvent) {
	if event.Error == nil {
		s.dropped = event.Dropped
	}
}

func newRunsVerifyCommand(a *app) *cobra.Command {
	var against string
	cmd := &cobra.Command{
		Use:   "verify <run_id>",
		Short: "Check a recomputed run against the stored history",
		Long: "Compares the stored history of a run with a recomputed history kept in a " +
			"filesystem backend root. Only the shared prefix is compared.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]
			if against == "" {
				return errors.New("--against is required")
			}

			recorded, err := a.recoverRun(ctx, runID)
			if err != nil {
				return err
			}
			codec, err := wire.GetCodec(a.cfg.Backend.Codec)
			if err != nil {
				return err
			}
			other, err := runlog.NewFileBackend(against, runlog.WithFileCodec(codec))
			if err != nil {
				return err
			}
			recomputed := runlog.NewRun(runID, runlog.WithRunLogger(a.logger))
			if err := recomputed.RecoverFrom(ctx, other); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			checkErr := recorded.CheckAgainstNew(recomputed)
			var detErr *runlog.DeterminismError
			if checkErr != nil && !errors.As(checkErr, &detErr) {
				return checkErr
			}

			if a.json {
				result := map[string]any{"run_id": runID, "deterministic": detErr == nil}
				if detErr != nil {
					result["mismatches"] = detErr.Mismatches
				}
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else if detErr == nil {
				fmt.Fprintf(out, "%s %s is deterministic (%d recorded, %d recomputed)\n",
					green("OK"), runID, recorded.Len(), recomputed.Len())
			} else {
				fmt.Fprintf(out, "%s %s diverged:\n", red("FAIL"), runID)
				for _, m := range detErr.Mismatches {
					fmt.Fprintf(out, "  %s\n", m)
				}
			}
			return checkErr
		},
	}
	cmd.Flags().StringVar(&against, "against", "", "Filesystem backend root holding the recomputed run")
	return cmd
}

func newRunsLogsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run_id>",
		Short: "Show the metadata entries of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var entries []wire.Metadata
			err := retry.Do(ctx, func() error {
				var err error
				entries, err = a.backend.ReadAllMetadata(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.json {
				if entries == nil {
					entries = []wire.Metadata{}
				}
				return writeJSON(out, entries)
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s %s\n", faint(formatTime(entry.At)), entry.Text)
			}
			return nil
		},
	}
}
