package pebblestore

// Key layout. Names never contain NUL, so it is a safe separator and sorts
// before every other byte.
//
//	ev\x00<run>                     encoded records
//	md\x00<run>\x00<time-key>       metadata text
//	sc\x00<queue>\x00<time-key>\x00<run>  schedule slot: flag byte + payload
//	sr\x00<queue>\x00<run>\x00<time-key>  per-run schedule index
//	ls\x00<run>                     lease record (JSON)
const sep = "\x00"

const (
	prefixEvents    = "ev" + sep
	prefixMetadata  = "md" + sep
	prefixSchedule  = "sc" + sep
	prefixRunIndex  = "sr" + sep
	prefixLease     = "ls" + sep
	slotHasPayload  = byte(1)
	slotEmptyMarker = byte(0)
)

func eventsKey(runID string) []byte {
	return []byte(prefixEvents + runID)
}

func metadataPrefix(runID string) []byte {
	return []byte(prefixMetadata + runID + sep)
}

func schedulePrefix(queue string) []byte {
	return []byte(prefixSchedule + queue + sep)
}

func slotKey(queue, timeKey, runID string) []byte {
	return []byte(prefixSchedule + queue + sep + timeKey + sep + runID)
}

func runIndexPrefix(queue, runID string) []byte {
	return []byte(prefixRunIndex + queue + sep + runID + sep)
}

func leaseKey(runID string) []byte {
	return []byte(prefixLease + runID)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
