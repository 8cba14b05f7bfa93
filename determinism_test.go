package runlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAgainstNewReflexive(t *testing.T) {
	run := scenarioRun("run-1")
	require.NoError(t, run.CheckAgainstNew(run))
	require.NoError(t, run.CheckAgainstNew(scenarioRun("run-1")))
}

func TestCheckAgainstNewPrefixTolerance(t *testing.T) {
	old := NewRun("run-1")
	old.Append(t0, Start{})
	old.Append(t0.Add(time.Second), Save{ID: 0, Value: Resolved{Payload: MustJSON(1)}})

	replayed := scenarioRun("run-1")
	require.NoError(t, old.CheckAgainstNew(replayed))

	// Payload bytes are not compared.
	old = NewRun("run-1")
	old.Append(t0, Start{Kwargs: nil})
	require.NoError(t, old.CheckAgainstNew(replayed))
}

func TestCheckAgainstNewNamesDivergence(t *testing.T) {
	old := scenarioRun("run-1")

	replayed := NewRun("run-1")
	replayed.Append(t0, Start{})
	replayed.Append(t0.Add(time.Second), Save{ID: 0, Value: Failed{Err: MustJSON("boom")}})
	replayed.Append(t0.Add(90*time.Second), Sleep{ID: 1, Start: t0, End: t0.Add(5 * time.Second)})

	err := old.CheckAgainstNew(replayed)
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeDeterminism))

	var detErr *DeterminismError
	require.True(t, errors.As(err, &detErr))
	require.Equal(t, "run-1", detErr.RunID)
	require.Equal(t, []Mismatch{
		{Index: 1, Field: MismatchEvent, Old: "Save{id: 0, value: Resolved}", New: "Save{id: 0, value: Failed}"},
		{
			Index: 2,
			Field: MismatchAt,
			Old:   old.Operations()[2].String(),
			New:   replayed.Operations()[2].String(),
		},
	}, detErr.Mismatches)
	require.Contains(t, err.Error(), "Save{id: 0, value: Resolved} != Save{id: 0, value: Failed}")
}

func TestCheckAgainstNewRunID(t *testing.T) {
	err := scenarioRun("run-1").CheckAgainstNew(scenarioRun("run-2"))

	var detErr *DeterminismError
	require.True(t, errors.As(err, &detErr))
	require.Len(t, detErr.Mismatches, 1)
	require.Equal(t, MismatchRunID, detErr.Mismatches[0].Field)
	require.Equal(t, -1, detErr.Mismatches[0].Index)
}
