package wire

import (
	"math"
	"time"
)

// ZeroTime is the encoding of the zero time.Time. It is distinct from 0,
// which is the Unix epoch.
const ZeroTime int64 = math.MinInt64

// UnixNanos encodes t as UTC Unix nanoseconds, or ZeroTime for the zero time.
func UnixNanos(t time.Time) int64 {
	if t.IsZero() {
		return ZeroTime
	}
	return t.UnixNano()
}

// FromUnixNanos reverses UnixNanos.
func FromUnixNanos(n int64) time.Time {
	if n == ZeroTime {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
