package runlog

import (
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/runlog/wire"
)

// Error type constants for classification and matching
const (
	// ErrorTypeIO covers storage failures. These are propagated with run
	// context and never retried inside this package; the caller owns retry.
	ErrorTypeIO = "io"

	// ErrorTypeDecode indicates persisted history that could not be
	// converted back into operations. Recovery of that run cannot proceed.
	ErrorTypeDecode = "decode"

	// ErrorTypeDeterminism indicates a replayed run diverged from its
	// recorded history within the shared prefix.
	ErrorTypeDeterminism = "determinism"

	// ErrorTypeLease indicates the caller does not hold a valid lease.
	ErrorTypeLease = "lease"
)

var (
	// ErrLeaseHeld is returned when another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost is returned when a lease was superseded by a newer token.
	ErrLeaseLost = errors.New("lease lost")

	// ErrLeaseExpired is returned when renewing or validating an expired lease.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrEmptyRunID is returned when a run id is empty.
	ErrEmptyRunID = errors.New("run id is required")
)

// LogError is a classified error carrying the run it concerns. It supports
// Go's error wrapping patterns with Unwrap().
type LogError struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Op      string `json:"op"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *LogError) Error() string {
	return fmt.Sprintf("%s: run %s: %s: %s", e.Type, e.RunID, e.Op, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *LogError) Unwrap() error {
	return e.Wrapped
}

// IsRecoverable reports whether retrying the same call may succeed. Storage
// failures and contended leases are recoverable; corrupt history, determinism
// violations and lost leases are not.
func (e *LogError) IsRecoverable() bool {
	switch e.Type {
	case ErrorTypeIO:
		return true
	case ErrorTypeLease:
		return errors.Is(e.Wrapped, ErrLeaseHeld)
	default:
		return false
	}
}

func newLogError(errorType, runID, op string, err error) *LogError {
	return &LogError{
		Type:    errorType,
		RunID:   runID,
		Op:      op,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// wrapIO attributes a storage failure to a run. Errors that are already
// classified, such as a fenced write rejected for a lost lease, keep their
// type and corrupt data is reported as a decode error.
func wrapIO(runID, op string, err error) error {
	var logErr *LogError
	if errors.As(err, &logErr) {
		return err
	}
	if errors.Is(err, wire.ErrDecode) {
		return newLogError(ErrorTypeDecode, runID, op, err)
	}
	return newLogError(ErrorTypeIO, runID, op, err)
}

// ClassifyError attempts to classify a regular error into a LogError
func ClassifyError(err error) *LogError {
	var logErr *LogError
	if errors.As(err, &logErr) {
		return logErr
	}
	var detErr *DeterminismError
	if errors.As(err, &detErr) {
		return newLogError(ErrorTypeDeterminism, detErr.RunID, "check", err)
	}
	if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrLeaseExpired) {
		return &LogError{Type: ErrorTypeLease, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, wire.ErrDecode) {
		return &LogError{Type: ErrorTypeDecode, Cause: err.Error(), Wrapped: err}
	}
	// Default to an I/O error
	return &LogError{Type: ErrorTypeIO, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error is of the given type
func MatchesErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == errorType
}
