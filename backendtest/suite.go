// Package backendtest is a conformance suite every Backend and LeaseStore
// driver runs from its own tests.
package backendtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/wire"
)

// T0 is the base timestamp of the suite. It carries nanoseconds so drivers
// that truncate time are caught.
var T0 = time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)

// Run exercises the Backend contract against fresh backends from newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) runlog.Backend) {
	t.Run("ReadEventsMissing", func(t *testing.T) {
		b := newBackend(t)
		records, err := b.ReadEvents(context.Background(), "run-missing")
		require.NoError(t, err)
		require.Nil(t, records)
	})

	t.Run("WriteEventsOverwrites", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		first := &wire.Records{Events: []wire.Event{
			{Kind: wire.KindStart, At: T0.UnixNano(), Start: &wire.Start{Kwargs: map[string]string{"x": "1"}}},
		}}
		require.NoError(t, b.WriteEvents(ctx, "run-1", first))

		second := &wire.Records{Events: []wire.Event{
			{Kind: wire.KindStart, At: T0.UnixNano(), Start: &wire.Start{Kwargs: map[string]string{"x": "2"}}},
			{Kind: wire.KindStop, At: T0.Add(time.Second).UnixNano(), Stop: &wire.Stop{HasResult: true, Ok: true, Payload: "2"}},
		}}
		require.NoError(t, b.WriteEvents(ctx, "run-1", second))
		require.NoError(t, b.WriteEvents(ctx, "run-1", second))

		got, err := b.ReadEvents(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, second, got)
	})

	t.Run("EmptyRunID", func(t *testing.T) {
		b := newBackend(t)
		err := b.WriteEvents(context.Background(), "", &wire.Records{})
		require.ErrorIs(t, err, runlog.ErrEmptyRunID)
	})

	t.Run("PersistRecoverScenario", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		run := runlog.NewRun("run-scenario")
		run.Append(T0, runlog.Start{Kwargs: map[string]json.RawMessage{"x": json.RawMessage("1")}})
		run.Append(T0.Add(time.Millisecond), runlog.Save{ID: 0, Value: runlog.Resolved{Payload: json.RawMessage("42")}})
		run.Append(T0.Add(2*time.Millisecond), runlog.Sleep{ID: 1, Start: T0, End: T0.Add(5 * time.Second)})
		run.Append(T0.Add(3*time.Millisecond), runlog.Stop{Result: runlog.OkResult(json.RawMessage("42"))})
		require.NoError(t, run.PersistInto(ctx, b))

		recovered := runlog.NewRun("run-scenario")
		require.NoError(t, recovered.RecoverFrom(ctx, b))
		require.Equal(t, run.Operations(), recovered.Operations())
		require.NoError(t, run.CheckAgainstNew(recovered))
	})

	t.Run("MetadataChronological", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		entries, err := b.ReadAllMetadata(ctx, "run-1")
		require.NoError(t, err)
		require.Empty(t, entries)

		require.NoError(t, b.AppendMetadata(ctx, "run-1", T0.Add(2*time.Second), "third"))
		require.NoError(t, b.AppendMetadata(ctx, "run-1", T0, "first"))
		require.NoError(t, b.AppendMetadata(ctx, "run-1", T0.Add(time.Nanosecond), "second"))
		require.NoError(t, b.AppendMetadata(ctx, "run-2", T0, "other run"))

		entries, err = b.ReadAllMetadata(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, []string{"first", "second", "third"},
			[]string{entries[0].Text, entries[1].Text, entries[2].Text})
		require.True(t, entries[0].At.Equal(T0))
		require.True(t, entries[1].At.Equal(T0.Add(time.Nanosecond)))
	})

	t.Run("SchedulePayload", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		payload := &wire.Event{Kind: wire.KindSend, At: T0.UnixNano(), Send: &wire.Send{EventName: "wake", Value: `{"n":1}`}}
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", T0, payload))
		require.NoError(t, b.AddSchedule(ctx, "q", "run-2", T0, nil))

		got, err := b.ReadSchedule(ctx, "q", "run-1", T0)
		require.NoError(t, err)
		require.Equal(t, payload, got)

		got, err = b.ReadSchedule(ctx, "q", "run-2", T0)
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = b.ReadSchedule(ctx, "q", "run-3", T0)
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("ScheduleSupersede", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		t1 := T0
		t2 := T0.Add(time.Minute)
		payload := &wire.Event{Kind: wire.KindCompensate, At: t1.UnixNano(), Compensate: &wire.Compensate{}}

		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", t1, payload))
		require.NoError(t, b.AddSchedule(ctx, "q", "run-2", t1, payload))
		require.NoError(t, b.AddSchedule(ctx, "other", "run-1", t1, payload))
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", t2, nil))

		got, err := b.ReadSchedule(ctx, "q", "run-1", t1)
		require.NoError(t, err)
		require.Nil(t, got, "earlier slot of the same run is closed")

		got, err = b.ReadSchedule(ctx, "q", "run-2", t1)
		require.NoError(t, err)
		require.NotNil(t, got, "other runs are untouched")

		got, err = b.ReadSchedule(ctx, "other", "run-1", t1)
		require.NoError(t, err)
		require.NotNil(t, got, "other queues are untouched")

		// An earlier time does not supersede a later slot.
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", t1.Add(-time.Minute), nil))

		schedules, err := b.ListSchedules(ctx, "q")
		require.NoError(t, err)
		require.Len(t, schedules, 3)
		requireSchedule(t, schedules[0], "run-1", t1.Add(-time.Minute), false)
		requireSchedule(t, schedules[1], "run-2", t1, true)
		requireSchedule(t, schedules[2], "run-1", t2, false)

		// The same time replaces the slot.
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", t2, payload))
		got, err = b.ReadSchedule(ctx, "q", "run-1", t2)
		require.NoError(t, err)
		require.Equal(t, payload, got)

		schedules, err = b.ListSchedules(ctx, "q")
		require.NoError(t, err)
		require.Len(t, schedules, 2)
		requireSchedule(t, schedules[0], "run-2", t1, true)
		requireSchedule(t, schedules[1], "run-1", t2, true)
	})

	t.Run("CloseScheduleIdempotent", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		payload := &wire.Event{Kind: wire.KindCompensate, At: T0.UnixNano(), Compensate: &wire.Compensate{}}
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", T0, payload))
		require.NoError(t, b.CloseSchedule(ctx, "q", "run-1", T0))
		require.NoError(t, b.CloseSchedule(ctx, "q", "run-1", T0))
		require.NoError(t, b.CloseSchedule(ctx, "q", "never", T0))

		got, err := b.ReadSchedule(ctx, "q", "run-1", T0)
		require.NoError(t, err)
		require.Nil(t, got)

		schedules, err := b.ListSchedules(ctx, "q")
		require.NoError(t, err)
		require.Empty(t, schedules)

		// A closed slot can be scheduled again.
		require.NoError(t, b.AddSchedule(ctx, "q", "run-1", T0, payload))
		got, err = b.ReadSchedule(ctx, "q", "run-1", T0)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	})

	t.Run("ListRuns", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		runIDs, err := b.ListRuns(ctx)
		require.NoError(t, err)
		require.Empty(t, runIDs)

		for _, runID := range []string{"run-b", "run-a", "run-c"} {
			require.NoError(t, b.WriteEvents(ctx, runID, &wire.Records{}))
		}
		// Metadata alone does not make a run.
		require.NoError(t, b.AppendMetadata(ctx, "run-d", T0, "orphan"))

		runIDs, err = b.ListRuns(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"run-a", "run-b", "run-c"}, runIDs)
	})
}

// RunLeaseStore exercises the LeaseStore contract and the Coordinator built
// on it.
func RunLeaseStore(t *testing.T, newStore func(t *testing.T) runlog.LeaseStore) {
	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		lease, err := s.LoadLease(context.Background(), "run-1")
		require.NoError(t, err)
		require.Nil(t, lease)
	})

	t.Run("SwapCompareAndSet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		first := &runlog.Lease{RunID: "run-1", Owner: "a", Token: 1, ExpiresAt: T0}
		ok, err := s.SwapLease(ctx, "run-1", 0, first)
		require.NoError(t, err)
		require.True(t, ok)

		// A second writer that also saw no record loses.
		ok, err = s.SwapLease(ctx, "run-1", 0, &runlog.Lease{RunID: "run-1", Owner: "b", Token: 1, ExpiresAt: T0})
		require.NoError(t, err)
		require.False(t, ok)

		lease, err := s.LoadLease(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, "a", lease.Owner)
		require.Equal(t, uint64(1), lease.Token)
		require.True(t, lease.ExpiresAt.Equal(T0))

		second := &runlog.Lease{RunID: "run-1", Owner: "b", Token: 2, ExpiresAt: T0.Add(time.Minute)}
		ok, err = s.SwapLease(ctx, "run-1", 1, second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.SwapLease(ctx, "run-1", 1, first)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("ListLeases", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, runID := range []string{"run-b", "run-a"} {
			ok, err := s.SwapLease(ctx, runID, 0, &runlog.Lease{RunID: runID, Owner: "w", Token: 1, ExpiresAt: T0})
			require.NoError(t, err)
			require.True(t, ok)
		}
		leases, err := s.ListLeases(ctx)
		require.NoError(t, err)
		require.Len(t, leases, 2)
		require.Equal(t, "run-a", leases[0].RunID)
		require.Equal(t, "run-b", leases[1].RunID)
	})

	t.Run("Coordinator", func(t *testing.T) {
		ctx := context.Background()
		now := T0
		coordinator, err := runlog.NewCoordinator(runlog.CoordinatorOptions{
			Store: newStore(t),
			Clock: func() time.Time { return now },
		})
		require.NoError(t, err)

		a, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
		require.NoError(t, err)
		require.Equal(t, uint64(1), a.Token)

		_, err = coordinator.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
		require.ErrorIs(t, err, runlog.ErrLeaseHeld)

		now = now.Add(2 * time.Minute)
		require.ErrorIs(t, coordinator.Validate(ctx, a), runlog.ErrLeaseExpired)

		b, err := coordinator.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
		require.NoError(t, err)
		require.Equal(t, uint64(2), b.Token)
		require.ErrorIs(t, coordinator.Validate(ctx, a), runlog.ErrLeaseLost)
		require.NoError(t, coordinator.Validate(ctx, b))

		require.NoError(t, coordinator.RemoveLease(ctx, b))
		require.NoError(t, coordinator.RemoveLease(ctx, b))

		c, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
		require.NoError(t, err)
		require.Equal(t, uint64(3), c.Token)
	})
}

func requireSchedule(t *testing.T, s wire.Schedule, runID string, at time.Time, hasPayload bool) {
	t.Helper()
	require.Equal(t, runID, s.RunID)
	require.True(t, s.At.Equal(at), "expected %s, got %s", at, s.At)
	require.Equal(t, hasPayload, s.HasPayload)
}
