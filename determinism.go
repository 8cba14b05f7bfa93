package runlog

import (
	"fmt"
	"strings"
)

// Fields reported by a Mismatch.
const (
	MismatchRunID = "run_id"
	MismatchEvent = "event"
	MismatchAt    = "at"
)

// Mismatch is one divergence between a recorded run and its replay.
type Mismatch struct {
	// Index is the position in the operation log, or -1 for a run id mismatch.
	Index int
	Field string
	Old   string
	New   string
}

func (m Mismatch) String() string {
	if m.Index < 0 {
		return fmt.Sprintf("%s: %q != %q", m.Field, m.Old, m.New)
	}
	return fmt.Sprintf("operation %d %s: %s != %s", m.Index, m.Field, m.Old, m.New)
}

// DeterminismError reports every divergence found between a recorded run and
// a freshly recomputed one.
type DeterminismError struct {
	RunID      string
	Mismatches []Mismatch
}

func (e *DeterminismError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf("run %s is not deterministic: %s", e.RunID, strings.Join(parts, "; "))
}

// CheckAgainstNew compares this recorded run with a freshly recomputed run of
// the same workflow. Only the shared prefix is compared; the new run may have
// progressed further. Every divergence is collected into one error of type
// ErrorTypeDeterminism wrapping a *DeterminismError.
func (r *Run) CheckAgainstNew(other *Run) error {
	var mismatches []Mismatch
	if r.runID != other.runID {
		mismatches = append(mismatches, Mismatch{
			Index: -1,
			Field: MismatchRunID,
			Old:   r.runID,
			New:   other.runID,
		})
	}

	// Snapshots, so checking a run against itself takes each lock once.
	oldOps := r.Operations()
	newOps := other.Operations()

	n := min(len(oldOps), len(newOps))
	for i := 0; i < n; i++ {
		oldSummary, newSummary := oldOps[i].Summary(), newOps[i].Summary()
		if oldSummary != newSummary {
			mismatches = append(mismatches, Mismatch{
				Index: i,
				Field: MismatchEvent,
				Old:   oldSummary,
				New:   newSummary,
			})
		}
		if !oldOps[i].At.Equal(newOps[i].At) {
			mismatches = append(mismatches, Mismatch{
				Index: i,
				Field: MismatchAt,
				Old:   oldOps[i].String(),
				New:   newOps[i].String(),
			})
		}
	}

	if len(mismatches) == 0 {
		return nil
	}
	err := &DeterminismError{RunID: r.runID, Mismatches: mismatches}
	r.logger.Warn("determinism check failed", "mismatches", len(mismatches))
	return newLogError(ErrorTypeDeterminism, r.runID, "check", err)
}
