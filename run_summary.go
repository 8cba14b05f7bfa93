package runlog

import (
	"context"
	"fmt"
	"time"
)

// RunSummary provides a summary view of a stored run
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Operations int        `json:"operations"`
	Stopped    bool       `json:"stopped"`
	Result     *RunResult `json:"result,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	LastTime   time.Time  `json:"last_time"`
	Error      string     `json:"error,omitempty"`
}

// Summarize returns a summary of the in-memory log.
func (r *Run) Summarize() *RunSummary {
	ops := r.Operations()
	summary := &RunSummary{RunID: r.runID, Operations: len(ops)}
	if len(ops) > 0 {
		summary.StartTime = ops[0].At
		summary.LastTime = ops[len(ops)-1].At
	}
	summary.Result, summary.Stopped = r.Result()
	return summary
}

// ListRunSummaries recovers every stored run and summarizes it. Runs whose
// history cannot be recovered are included with Error set.
func ListRunSummaries(ctx context.Context, backend Backend) ([]*RunSummary, error) {
	runIDs, err := backend.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	summaries := make([]*RunSummary, 0, len(runIDs))
	for _, runID := range runIDs {
		run := NewRun(runID)
		if err := run.RecoverFrom(ctx, backend); err != nil {
			summaries = append(summaries, &RunSummary{RunID: runID, Error: err.Error()})
			continue
		}
		summaries = append(summaries, run.Summarize())
	}
	return summaries, nil
}
