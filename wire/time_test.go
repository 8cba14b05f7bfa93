package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnixNanosKeepsEpochAndZeroApart(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	require.Equal(t, int64(0), UnixNanos(epoch))
	require.Equal(t, ZeroTime, UnixNanos(time.Time{}))

	require.True(t, FromUnixNanos(0).Equal(epoch))
	require.False(t, FromUnixNanos(0).IsZero())
	require.True(t, FromUnixNanos(ZeroTime).IsZero())

	ts := time.Date(2024, 3, 1, 12, 0, 0, 5, time.UTC)
	require.Equal(t, ts, FromUnixNanos(UnixNanos(ts)))
}
