package runlog

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeKeyRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.FixedZone("x", 3600))
	key := TimeKey(at)
	require.Equal(t, "20240301T113000.123456789Z", key)

	parsed, err := ParseTimeKey(key)
	require.NoError(t, err)
	require.True(t, parsed.Equal(at))

	_, err = ParseTimeKey("not-a-key")
	require.Error(t, err)
}

func TestTimeKeySortsChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(time.Hour),
		base.Add(time.Nanosecond),
		base,
		base.Add(999 * time.Millisecond),
		base.AddDate(1, 0, 0),
	}
	keys := make([]string, len(times))
	for i, at := range times {
		keys[i] = TimeKey(at)
	}
	sort.Strings(keys)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := range times {
		require.Equal(t, TimeKey(times[i]), keys[i])
	}
}

func TestValidateNames(t *testing.T) {
	require.ErrorIs(t, ValidateRunID(""), ErrEmptyRunID)
	require.NoError(t, ValidateRunID("run_01h455vb4pex5vsknk084sn02q"))
	require.Error(t, ValidateRunID("../escape"))
	require.Error(t, ValidateRunID(".hidden"))
	require.Error(t, ValidateRunID("a/b"))

	require.Error(t, ValidateQueue(""))
	require.NoError(t, ValidateQueue("default"))
	require.Error(t, ValidateQueue("a\\b"))
}

func TestNewIDs(t *testing.T) {
	runID := NewRunID()
	require.Regexp(t, `^run_[0-9a-z]{26}$`, runID)
	require.NotEqual(t, runID, NewRunID())
	require.Regexp(t, `^wrk_[0-9a-z]{26}$`, NewWorkerID())
}
