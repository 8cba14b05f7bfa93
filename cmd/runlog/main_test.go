package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBackend(t *testing.T) *runlog.FileBackend {
	t.Helper()
	root := t.TempDir()
	t.Setenv("RUNLOG_BACKEND", "file")
	t.Setenv("RUNLOG_ROOT", root)
	backend, err := runlog.NewFileBackend(root)
	require.NoError(t, err)
	return backend
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func scenarioRun(runID string) *runlog.Run {
	run := runlog.NewRun(runID)
	run.Append(t0, runlog.Start{})
	run.Append(t0.Add(time.Second), runlog.Save{ID: 0, Value: runlog.Resolved{Payload: runlog.MustJSON(42)}})
	run.Append(t0.Add(2*time.Second), runlog.Sleep{ID: 1, Start: t0, End: t0.Add(5 * time.Second)})
	run.Append(t0.Add(3*time.Second), runlog.Stop{Result: runlog.OkResult(runlog.MustJSON(42))})
	return run
}

func TestRunsList(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	require.NoError(t, scenarioRun("run-a").PersistInto(ctx, backend))

	running := runlog.NewRun("run-b")
	running.Append(t0, runlog.Start{})
	require.NoError(t, running.PersistInto(ctx, backend))

	out, err := execute(t, "runs", "list", "--json")
	require.NoError(t, err)

	var summaries []runlog.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	require.Equal(t, "run-a", summaries[0].RunID)
	require.Equal(t, 4, summaries[0].Operations)
	require.True(t, summaries[0].Stopped)
	require.False(t, summaries[1].Stopped)

	out, err = execute(t, "runs", "list")
	require.NoError(t, err)
	require.Contains(t, out, "stopped (ok)")
	require.Contains(t, out, "running")
}

func TestRunsShow(t *testing.T) {
	backend := newTestBackend(t)
	require.NoError(t, scenarioRun("run-a").PersistInto(context.Background(), backend))

	out, err := execute(t, "runs", "show", "run-a")
	require.NoError(t, err)
	require.Contains(t, out, "Start")
	require.Contains(t, out, "Sleep{id: 1")

	_, err = execute(t, "runs", "show", "run-missing")
	require.ErrorContains(t, err, "not found")
}

func TestRunsCompact(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	run := scenarioRun("run-a")
	run.Append(t0.Add(time.Second), runlog.Save{ID: 0, Value: runlog.Resolved{Payload: runlog.MustJSON(42)}})
	records, err := run.Records()
	require.NoError(t, err)
	require.NoError(t, backend.WriteEvents(ctx, "run-a", records))

	out, err := execute(t, "runs", "compact", "run-a", "--json")
	require.NoError(t, err)

	var result struct {
		Operations int `json:"operations"`
		Dropped    int `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, 4, result.Operations)
	require.Equal(t, 1, result.Dropped)

	stored, err := backend.ReadEvents(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, stored.Events, 4)

	// The compaction lease is released afterwards.
	lease, err := backend.LoadLease(ctx, "run-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), lease.Token)
	require.Empty(t, lease.Owner)
}

func TestRunsCompactRespectsLease(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	require.NoError(t, scenarioRun("run-a").PersistInto(ctx, backend))

	coordinator, err := runlog.NewCoordinator(runlog.CoordinatorOptions{Store: backend})
	require.NoError(t, err)
	_, err = coordinator.AcquireLease(ctx, "run-a", "worker-1", time.Hour)
	require.NoError(t, err)

	_, err = execute(t, "runs", "compact", "run-a")
	require.ErrorIs(t, err, runlog.ErrLeaseHeld)
}

func TestRunsVerify(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	require.NoError(t, scenarioRun("run-a").PersistInto(ctx, backend))

	sameRoot := t.TempDir()
	same, err := runlog.NewFileBackend(sameRoot)
	require.NoError(t, err)
	longer := scenarioRun("run-a")
	longer.Append(t0.Add(4*time.Second), runlog.Compensate{})
	require.NoError(t, longer.PersistInto(ctx, same))

	out, err := execute(t, "runs", "verify", "run-a", "--against", sameRoot)
	require.NoError(t, err)
	require.Contains(t, out, "is deterministic")

	divergedRoot := t.TempDir()
	diverged, err := runlog.NewFileBackend(divergedRoot)
	require.NoError(t, err)
	other := runlog.NewRun("run-a")
	other.Append(t0, runlog.Start{})
	other.Append(t0.Add(time.Second), runlog.Send{EventName: "approve"})
	require.NoError(t, other.PersistInto(ctx, diverged))

	out, err = execute(t, "runs", "verify", "run-a", "--against", divergedRoot)
	require.Error(t, err)
	require.Contains(t, out, "diverged")
	require.Contains(t, out, "operation 1 event")

	_, err = execute(t, "runs", "verify", "run-a")
	require.ErrorContains(t, err, "--against is required")
}

func TestRunsLogs(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	require.NoError(t, backend.AppendMetadata(ctx, "run-a", t0, "first"))
	require.NoError(t, backend.AppendMetadata(ctx, "run-a", t0.Add(time.Second), "second"))

	out, err := execute(t, "runs", "logs", "run-a")
	require.NoError(t, err)
	require.Regexp(t, `(?s)first.*second`, out)
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	require.NoError(t, backend.AddSchedule(ctx, "default", "run-a", t0, nil))
	require.NoError(t, backend.AddSchedule(ctx, "default", "run-b", t0.Add(time.Second), nil))

	out, err := execute(t, "schedules", "list", "default", "--json")
	require.NoError(t, err)
	var schedules []struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &schedules))
	require.Len(t, schedules, 2)
	require.Equal(t, "run-a", schedules[0].RunID)

	out, err = execute(t, "schedules", "next", "default")
	require.NoError(t, err)
	require.Contains(t, out, "run-a")

	_, err = execute(t, "schedules", "close", "default", "run-a", runlog.TimeKey(t0))
	require.NoError(t, err)

	out, err = execute(t, "schedules", "next", "default")
	require.NoError(t, err)
	require.Contains(t, out, "run-b")
	require.NotContains(t, out, "run-a")

	_, err = execute(t, "schedules", "close", "default", "run-b", "not-a-key")
	require.Error(t, err)
}

func TestLeasesList(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	coordinator, err := runlog.NewCoordinator(runlog.CoordinatorOptions{Store: backend})
	require.NoError(t, err)

	held, err := coordinator.AcquireLease(ctx, "run-a", "worker-1", time.Hour)
	require.NoError(t, err)
	released, err := coordinator.AcquireLease(ctx, "run-b", "worker-2", time.Hour)
	require.NoError(t, err)
	require.NoError(t, coordinator.RemoveLease(ctx, released))

	out, err := execute(t, "leases", "list", "--json")
	require.NoError(t, err)
	var leases []runlog.Lease
	require.NoError(t, json.Unmarshal([]byte(out), &leases))
	require.Len(t, leases, 1)
	require.Equal(t, held.RunID, leases[0].RunID)
	require.Equal(t, "worker-1", leases[0].Owner)

	out, err = execute(t, "leases", "list", "--all")
	require.NoError(t, err)
	require.Contains(t, out, "run-b")
	require.Contains(t, out, "inactive")
}

func TestUnknownBackend(t *testing.T) {
	t.Setenv("RUNLOG_BACKEND", "tape")
	_, err := execute(t, "runs", "list")
	require.ErrorContains(t, err, "unknown backend kind")
}
