package redislease

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog/wire"
)

func TestParseLease(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 5, time.UTC)
	lease, err := parseLease("run-1", map[string]string{
		"owner":      "worker-a",
		"token":      "7",
		"expires_at": "1709294400000000005",
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", lease.RunID)
	require.Equal(t, "worker-a", lease.Owner)
	require.Equal(t, uint64(7), lease.Token)
	require.True(t, lease.ExpiresAt.Equal(at))

	released, err := parseLease("run-1", map[string]string{
		"owner":      "",
		"token":      "7",
		"expires_at": strconv.FormatInt(wire.ZeroTime, 10),
	})
	require.NoError(t, err)
	require.True(t, released.ExpiresAt.IsZero())

	epoch, err := parseLease("run-1", map[string]string{"owner": "", "token": "7", "expires_at": "0"})
	require.NoError(t, err)
	require.True(t, epoch.ExpiresAt.Equal(time.Unix(0, 0)))

	_, err = parseLease("run-1", map[string]string{"token": "x", "expires_at": "0"})
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	s := New(nil, WithKeyPrefix("test:"))
	require.Equal(t, "test:lease:run-1", s.leaseKey("run-1"))
	require.Equal(t, "test:lease_ids", s.idsKey())
}
