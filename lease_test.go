package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog/wire"
)

func newTestCoordinator(t *testing.T, backend *MemoryBackend, now *time.Time) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Store:   backend,
		Backend: backend,
		Clock:   func() time.Time { return *now },
	})
	require.NoError(t, err)
	return coordinator
}

func TestNewCoordinatorRequiresStore(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "lease store is required")
}

func TestLeaseRenewal(t *testing.T) {
	ctx := context.Background()
	now := t0
	coordinator := newTestCoordinator(t, NewMemoryBackend(), &now)

	lease, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	renewed, err := coordinator.RenewLease(ctx, lease, time.Minute)
	require.NoError(t, err)
	require.Equal(t, lease.Token, renewed.Token)
	require.True(t, renewed.ExpiresAt.Equal(now.Add(time.Minute)))

	now = now.Add(50 * time.Second)
	require.NoError(t, coordinator.Validate(ctx, renewed))

	now = now.Add(time.Minute)
	_, err = coordinator.RenewLease(ctx, renewed, time.Minute)
	require.ErrorIs(t, err, ErrLeaseExpired)

	active, err := coordinator.ActiveLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestLeaseSameOwnerReacquires(t *testing.T) {
	ctx := context.Background()
	now := t0
	coordinator := newTestCoordinator(t, NewMemoryBackend(), &now)

	first, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	second, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.Greater(t, second.Token, first.Token)
	require.ErrorIs(t, coordinator.Validate(ctx, first), ErrLeaseLost)

	active, err := coordinator.ActiveLeases(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.Token, active[0].Token)
}

func TestFencedBackendRejectsStaleHolder(t *testing.T) {
	ctx := context.Background()
	now := t0
	backend := NewMemoryBackend()
	coordinator := newTestCoordinator(t, backend, &now)

	stale, err := coordinator.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	staleBackend := NewFencedBackend(backend, coordinator, stale)

	run := scenarioRun("run-1")
	require.NoError(t, run.PersistInto(ctx, staleBackend))

	// worker-a stalls past expiry and worker-b takes over.
	now = now.Add(2 * time.Minute)
	current, err := coordinator.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
	require.NoError(t, err)
	currentBackend := NewFencedBackend(backend, coordinator, current)

	takeover := NewRun("run-1")
	require.NoError(t, takeover.RecoverFrom(ctx, currentBackend))
	takeover.Append(now, Log{ID: 9, Level: "info"})
	require.NoError(t, takeover.PersistInto(ctx, currentBackend))

	run.Clear()
	err = run.PersistInto(ctx, staleBackend)
	require.ErrorIs(t, err, ErrLeaseLost)
	require.True(t, MatchesErrorType(err, ErrorTypeLease))
	require.ErrorIs(t, staleBackend.AppendMetadata(ctx, "run-1", now, "late"), ErrLeaseLost)
	require.ErrorIs(t, staleBackend.AddSchedule(ctx, "q", "run-1", now, nil), ErrLeaseLost)
	require.ErrorIs(t, staleBackend.CloseSchedule(ctx, "q", "run-1", now), ErrLeaseLost)

	// The lease does not cover other runs.
	require.ErrorIs(t, currentBackend.WriteEvents(ctx, "run-2", &wire.Records{}), ErrLeaseLost)

	stored := NewRun("run-1")
	require.NoError(t, stored.RecoverFrom(ctx, backend))
	require.Equal(t, 5, stored.Len())
}

func TestNextRun(t *testing.T) {
	ctx := context.Background()
	now := t0
	backend := NewMemoryBackend()
	coordinator := newTestCoordinator(t, backend, &now)

	next, err := coordinator.NextRun(ctx, "q")
	require.NoError(t, err)
	require.Nil(t, next)

	require.NoError(t, backend.AddSchedule(ctx, "q", "run-late", t0.Add(time.Hour), nil))
	require.NoError(t, backend.AddSchedule(ctx, "q", "run-b", t0.Add(-time.Minute), nil))
	require.NoError(t, backend.AddSchedule(ctx, "q", "run-a", t0.Add(-2*time.Minute), nil))

	next, err = coordinator.NextRun(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "run-a", next.RunID)

	_, err = coordinator.AcquireLease(ctx, "run-a", "worker-a", time.Minute)
	require.NoError(t, err)

	next, err = coordinator.NextRun(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "run-b", next.RunID)

	_, err = coordinator.AcquireLease(ctx, "run-b", "worker-b", time.Minute)
	require.NoError(t, err)

	next, err = coordinator.NextRun(ctx, "q")
	require.NoError(t, err)
	require.Nil(t, next, "run-late is not due yet")

	now = t0.Add(2 * time.Hour)
	next, err = coordinator.NextRun(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "run-a", next.RunID, "expired leases no longer block")
}
