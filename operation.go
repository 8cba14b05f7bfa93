package runlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// Operation is one timestamped, recorded step of a run.
type Operation struct {
	At    time.Time
	Event OperationEvent
}

// Summary returns the event summary used for compaction and determinism
// checks.
func (o Operation) Summary() string {
	if o.Event == nil {
		return "<nil>"
	}
	return o.Event.Summary()
}

// String returns the timestamp followed by the event summary.
func (o Operation) String() string {
	return o.At.Format(time.RFC3339Nano) + " " + o.Summary()
}

// operationKey identifies an operation for compaction: the timestamp plus the
// event summary. Payload bytes are excluded, so two operations that
// differ only in payload encoding are the same operation.
type operationKey struct {
	at      int64
	summary string
}

func (o Operation) key() operationKey {
	return operationKey{at: wire.UnixNanos(o.At), summary: o.Summary()}
}

// OperationEvent is the tagged union of step kinds a run records.
type OperationEvent interface {
	// Kind returns the wire kind of the event.
	Kind() wire.Kind

	// Summary renders the event kind and its non-payload fields.
	Summary() string

	isOperationEvent()
}

// Start records the workflow's initial arguments. Created once per run.
type Start struct {
	Kwargs map[string]json.RawMessage
}

// Sleep records a timed pause.
type Sleep struct {
	ID    int
	Start time.Time
	End   time.Time
}

// Save checkpoints a deterministic step, keyed by sequence id.
type Save struct {
	ID    int
	Value SavedValue
}

// Send records an external signal delivered into the run.
type Send struct {
	EventName string
	Value     json.RawMessage
}

// Stop is the terminal marker of a run.
type Stop struct {
	Result *RunResult
}

// Log is a diagnostic entry. It is compared structurally like any other
// event but is not meant to express business-logic divergence.
type Log struct {
	ID      int
	Payload json.RawMessage
	Level   string
}

// Compensate is reserved for saga-style rollback.
type Compensate struct{}

func (Start) Kind() wire.Kind      { return wire.KindStart }
func (Sleep) Kind() wire.Kind      { return wire.KindSleep }
func (Save) Kind() wire.Kind       { return wire.KindSave }
func (Send) Kind() wire.Kind       { return wire.KindSend }
func (Stop) Kind() wire.Kind       { return wire.KindStop }
func (Log) Kind() wire.Kind        { return wire.KindLog }
func (Compensate) Kind() wire.Kind { return wire.KindCompensate }

func (Start) isOperationEvent()      {}
func (Sleep) isOperationEvent()      {}
func (Save) isOperationEvent()       {}
func (Send) isOperationEvent()       {}
func (Stop) isOperationEvent()       {}
func (Log) isOperationEvent()        {}
func (Compensate) isOperationEvent() {}

func (e Start) Summary() string { return "Start" }

func (e Sleep) Summary() string {
	return fmt.Sprintf("Sleep{id: %d, start: %s, end: %s}", e.ID, formatTime(e.Start), formatTime(e.End))
}

func (e Save) Summary() string {
	value := "<nil>"
	if e.Value != nil {
		value = e.Value.Summary()
	}
	return fmt.Sprintf("Save{id: %d, value: %s}", e.ID, value)
}

func (e Send) Summary() string { return fmt.Sprintf("Send{event: %q}", e.EventName) }

func (e Stop) Summary() string {
	switch {
	case e.Result == nil:
		return "Stop{result: None}"
	case e.Result.Ok:
		return "Stop{result: Ok}"
	default:
		return "Stop{result: Err}"
	}
}

func (e Log) Summary() string { return fmt.Sprintf("Log{id: %d, level: %s}", e.ID, e.Level) }

func (e Compensate) Summary() string { return "Compensate" }

// SavedValue is the checkpointed outcome of a deterministic step.
type SavedValue interface {
	// Summary renders the value kind and its non-payload fields.
	Summary() string

	savedKind() string
}

// Retry records that a step failed and will be retried at WaitUntil.
type Retry struct {
	Counter   int
	WaitUntil time.Time
}

// Resolved records a step's successful result.
type Resolved struct {
	Payload json.RawMessage
}

// Failed records a step's terminal failure.
type Failed struct {
	Err json.RawMessage
}

func (Retry) savedKind() string    { return wire.SavedRetry }
func (Resolved) savedKind() string { return wire.SavedResolved }
func (Failed) savedKind() string   { return wire.SavedFailed }

func (v Retry) Summary() string {
	return fmt.Sprintf("Retry{counter: %d, wait_until: %s}", v.Counter, formatTime(v.WaitUntil))
}

func (Resolved) Summary() string { return "Resolved" }

func (Failed) Summary() string { return "Failed" }

// RunResult is the outcome carried by a Stop: Ok(payload) or Err(payload).
type RunResult struct {
	Ok      bool
	Payload json.RawMessage
}

// OkResult returns a successful result.
func OkResult(payload json.RawMessage) *RunResult {
	return &RunResult{Ok: true, Payload: payload}
}

// ErrResult returns a failed result.
func ErrResult(payload json.RawMessage) *RunResult {
	return &RunResult{Ok: false, Payload: payload}
}

// JSON marshals v for use as an event payload.
func JSON(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// MustJSON is like JSON but panics on error. Intended for literals and tests.
func MustJSON(v any) json.RawMessage {
	data, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return data
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// normalizeTime strips the monotonic reading and location so timestamps
// compare equal after a round trip through storage.
func normalizeTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}
