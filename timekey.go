package runlog

import (
	"fmt"
	"strings"
	"time"
)

// timeKeyLayout is fixed width so lexical order matches chronological order.
const timeKeyLayout = "20060102T150405.000000000Z"

// TimeKey renders t in UTC as a sortable, filename-safe key.
func TimeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

// ParseTimeKey parses a key produced by TimeKey.
func ParseTimeKey(key string) (time.Time, error) {
	t, err := time.Parse(timeKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time key %q: %w", key, err)
	}
	return t.UTC(), nil
}

// ValidateRunID checks that a run id can be used as a storage key.
func ValidateRunID(runID string) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	return validateName(runID)
}

// ValidateQueue checks that a queue name can be used as a storage key.
func ValidateQueue(queue string) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	return validateName(queue)
}

// validateName rejects path separators, NUL bytes and dot-prefixed names.
func validateName(name string) error {
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid name %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
