package runlog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/backendtest"
	"github.com/deepnoodle-ai/runlog/wire"
)

func TestMemoryBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) runlog.Backend {
		return runlog.NewMemoryBackend()
	})
	backendtest.RunLeaseStore(t, func(t *testing.T) runlog.LeaseStore {
		return runlog.NewMemoryBackend()
	})
}

func newFileBackend(t *testing.T, opts ...runlog.FileBackendOption) *runlog.FileBackend {
	t.Helper()
	backend, err := runlog.NewFileBackend(t.TempDir(), opts...)
	require.NoError(t, err)
	return backend
}

func TestFileBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) runlog.Backend {
		return newFileBackend(t)
	})
	backendtest.RunLeaseStore(t, func(t *testing.T) runlog.LeaseStore {
		return newFileBackend(t)
	})
}

func TestFileBackendJSONCodec(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) runlog.Backend {
		return newFileBackend(t, runlog.WithFileCodec(&wire.JSONCodec{}))
	})
}

func TestFileBackendLayout(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	root := backend.Root()

	for _, dir := range []string{"runs", "schedules", "leases"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	at := backendtest.T0
	require.NoError(t, backend.WriteEvents(ctx, "run-1", &wire.Records{}))
	require.NoError(t, backend.AppendMetadata(ctx, "run-1", at, "hello"))
	require.NoError(t, backend.AddSchedule(ctx, "q", "run-1", at, nil))

	require.FileExists(t, filepath.Join(root, "runs", "run-1", "events"))
	require.FileExists(t, filepath.Join(root, "runs", "run-1", "logs", runlog.TimeKey(at)))

	slot := filepath.Join(root, "schedules", "q", runlog.TimeKey(at), "run-1")
	info, err := os.Stat(slot)
	require.NoError(t, err)
	require.Zero(t, info.Size(), "a slot without payload is an empty file")

	require.NoError(t, backend.CloseSchedule(ctx, "q", "run-1", at))
	require.NoDirExists(t, filepath.Dir(slot))
}

func TestFileBackendIgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	root := backend.Root()

	require.NoError(t, backend.AppendMetadata(ctx, "run-1", backendtest.T0, "kept"))
	logs := filepath.Join(root, "runs", "run-1", "logs")
	require.NoError(t, os.WriteFile(filepath.Join(logs, ".partial.tmp-1"), []byte("x"), 0644))

	entries, err := backend.ReadAllMetadata(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].Text)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "runs", ".tmp"), 0755))
	runIDs, err := backend.ListRuns(ctx)
	require.NoError(t, err)
	require.Empty(t, runIDs)
}

func TestFileBackendSupersedeAfterRestart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	t1 := backendtest.T0
	t2 := t1.Add(time.Minute)

	first, err := runlog.NewFileBackend(root)
	require.NoError(t, err)
	require.NoError(t, first.AddSchedule(ctx, "q", "run-1", t1, nil))

	// A new process reads the open slots from disk.
	second, err := runlog.NewFileBackend(root)
	require.NoError(t, err)
	require.NoError(t, second.AddSchedule(ctx, "q", "run-1", t2, nil))

	schedules, err := second.ListSchedules(ctx, "q")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.True(t, schedules[0].At.Equal(t2))
}

func TestFileBackendSupersedeAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	t1 := backendtest.T0
	t2 := t1.Add(time.Minute)

	first, err := runlog.NewFileBackend(root)
	require.NoError(t, err)
	second, err := runlog.NewFileBackend(root)
	require.NoError(t, err)

	// The second instance touches the queue before the first one writes.
	require.NoError(t, second.AddSchedule(ctx, "q", "run-other", t1, nil))
	require.NoError(t, first.AddSchedule(ctx, "q", "run-1", t1, nil))
	require.NoError(t, second.AddSchedule(ctx, "q", "run-1", t2, nil))

	schedules, err := first.ListSchedules(ctx, "q")
	require.NoError(t, err)
	var open []time.Time
	for _, s := range schedules {
		if s.RunID == "run-1" {
			open = append(open, s.At)
		}
	}
	require.Len(t, open, 1)
	require.True(t, open[0].Equal(t2))
}

func TestFileBackendFailedAddKeepsOpenSlots(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	t1 := backendtest.T0
	t2 := t1.Add(time.Minute)

	require.NoError(t, backend.AddSchedule(ctx, "q", "run-1", t1, nil))
	// A file where the slot directory for t2 belongs makes the write fail.
	blocker := filepath.Join(backend.Root(), "schedules", "q", runlog.TimeKey(t2))
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	require.Error(t, backend.AddSchedule(ctx, "q", "run-1", t2, nil))

	schedules, err := backend.ListSchedules(ctx, "q")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.True(t, schedules[0].At.Equal(t1))
}

func TestFileBackendRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)

	require.Error(t, backend.WriteEvents(ctx, "../escape", &wire.Records{}))
	require.Error(t, backend.AddSchedule(ctx, "a/b", "run-1", backendtest.T0, nil))
	require.Error(t, backend.AppendMetadata(ctx, ".hidden", backendtest.T0, "x"))
}
