package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// RunOption configures a Run.
type RunOption func(*Run)

// WithRunLogger sets the logger used for recovery and persistence messages.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(r *Run) { r.logger = logger }
}

// WithRunCallbacks sets lifecycle callbacks for the run.
func WithRunCallbacks(callbacks RunCallbacks) RunOption {
	return func(r *Run) { r.callbacks = callbacks }
}

// Run is the operation log of one durable workflow execution. The order of
// operations is the replay order.
type Run struct {
	runID      string
	operations []Operation

	// compactedLen is the length of the log at the last compaction. While the
	// log has not grown since, another pass cannot drop anything.
	compactedLen int

	logger    *slog.Logger
	callbacks RunCallbacks
	mutex     sync.RWMutex
}

// NewRun returns an empty log for the given run id.
func NewRun(runID string, opts ...RunOption) *Run {
	r := &Run{
		runID:     runID,
		logger:    discardLogger(),
		callbacks: &BaseRunCallbacks{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("run_id", runID)
	return r
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.runID
}

// Append records an operation at the given time.
func (r *Run) Append(at time.Time, event OperationEvent) Operation {
	op := Operation{At: normalizeTime(at), Event: event}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.operations = append(r.operations, op)
	return op
}

// Operations returns a copy of the log.
func (r *Run) Operations() []Operation {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ops := make([]Operation, len(r.operations))
	copy(ops, r.operations)
	return ops
}

// Len returns the number of operations in the log.
func (r *Run) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.operations)
}

// Clear drops the in-memory log. Stored history is not touched.
func (r *Run) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.operations = nil
	r.compactedLen = 0
}

// Compact drops later duplicates of operations already in the log, keeping
// the first occurrence and the relative order. It returns how many operations
// were dropped.
func (r *Run) Compact() int {
	return r.compact(context.Background())
}

func (r *Run) compact(ctx context.Context) int {
	r.mutex.Lock()
	skipped := r.compactedLen == len(r.operations) && r.compactedLen > 0
	dropped := 0
	if !skipped {
		r.operations, dropped = compactOperations(r.operations)
		r.compactedLen = len(r.operations)
	}
	remaining := len(r.operations)
	r.mutex.Unlock()

	if skipped {
		return 0
	}
	if dropped > 0 {
		r.logger.Debug("compacted run", "dropped", dropped, "operations", remaining)
	}
	r.callbacks.AfterCompact(ctx, &RunEvent{
		RunID:      r.runID,
		Operations: remaining,
		Dropped:    dropped,
	})
	return dropped
}

// RecoverFrom rebuilds the log from the backend's stored history and compacts
// it. A run without stored history is fresh and starts from an empty log. If
// any stored event cannot be converted, recovery fails and the in-memory log
// is left untouched.
func (r *Run) RecoverFrom(ctx context.Context, backend Backend) error {
	startTime := time.Now()
	r.callbacks.BeforeRecover(ctx, &RunEvent{RunID: r.runID, StartTime: startTime})

	ops, fresh, err := r.readHistory(ctx, backend)
	event := &RunEvent{RunID: r.runID, Fresh: fresh, StartTime: startTime}
	if err != nil {
		event.Duration = time.Since(startTime)
		event.Error = err
		r.callbacks.AfterRecover(ctx, event)
		r.logger.Error("failed to recover run", "error", err)
		return err
	}

	r.mutex.Lock()
	r.operations = ops
	r.compactedLen = 0
	r.mutex.Unlock()

	event.Dropped = r.compact(ctx)
	event.Operations = r.Len()
	event.Duration = time.Since(startTime)
	r.callbacks.AfterRecover(ctx, event)

	r.logger.Info("recovered run",
		"fresh", fresh,
		"operations", event.Operations,
		"dropped", event.Dropped)
	return nil
}

func (r *Run) readHistory(ctx context.Context, backend Backend) ([]Operation, bool, error) {
	records, err := backend.ReadEvents(ctx, r.runID)
	if err != nil {
		return nil, false, wrapIO(r.runID, "read_events", err)
	}
	if records == nil {
		return nil, true, nil
	}
	ops := make([]Operation, 0, len(records.Events))
	for i, ev := range records.Events {
		op, err := OperationFromWire(ev)
		if err != nil {
			return nil, false, newLogError(ErrorTypeDecode, r.runID, "recover",
				fmt.Errorf("event %d: %w", i, err))
		}
		ops = append(ops, op)
	}
	return ops, false, nil
}

// PersistInto compacts the log and overwrites the backend's stored history
// with it in a single write.
func (r *Run) PersistInto(ctx context.Context, backend Backend) error {
	startTime := time.Now()
	r.compact(ctx)

	records, err := r.Records()
	if err != nil {
		return newLogError(ErrorTypeDecode, r.runID, "persist", err)
	}

	event := &RunEvent{RunID: r.runID, Operations: len(records.Events), StartTime: startTime}
	if err := backend.WriteEvents(ctx, r.runID, records); err != nil {
		event.Error = wrapIO(r.runID, "write_events", err)
		event.Duration = time.Since(startTime)
		r.callbacks.AfterPersist(ctx, event)
		r.logger.Error("failed to persist run", "error", err)
		return event.Error
	}
	event.Duration = time.Since(startTime)
	r.callbacks.AfterPersist(ctx, event)

	r.logger.Debug("persisted run", "operations", event.Operations)
	return nil
}

// Records converts the current log into its persisted form without
// compacting it.
func (r *Run) Records() (*wire.Records, error) {
	ops := r.Operations()
	records := &wire.Records{Events: make([]wire.Event, 0, len(ops))}
	for i, op := range ops {
		ev, err := op.ToWire()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		records.Events = append(records.Events, ev)
	}
	return records, nil
}

// Stopped reports whether the run has reached a Stop operation.
func (r *Run) Stopped() bool {
	_, ok := r.stop()
	return ok
}

// Result returns the result of the first Stop operation. The boolean is false
// when the run has not stopped; the result itself may be nil for a stop
// without a result.
func (r *Run) Result() (*RunResult, bool) {
	stop, ok := r.stop()
	if !ok {
		return nil, false
	}
	return stop.Result, true
}

func (r *Run) stop() (Stop, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, op := range r.operations {
		if stop, ok := op.Event.(Stop); ok {
			return stop, true
		}
	}
	return Stop{}, false
}

// Kwargs returns the arguments recorded by the Start operation, or nil.
func (r *Run) Kwargs() map[string]json.RawMessage {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, op := range r.operations {
		if start, ok := op.Event.(Start); ok {
			kwargs := make(map[string]json.RawMessage, len(start.Kwargs))
			for name, value := range start.Kwargs {
				kwargs[name] = value
			}
			return kwargs
		}
	}
	return nil
}

// FindSave returns the latest saved value for a sequence id.
func (r *Run) FindSave(id int) (SavedValue, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for i := len(r.operations) - 1; i >= 0; i-- {
		if save, ok := r.operations[i].Event.(Save); ok && save.ID == id {
			return save.Value, true
		}
	}
	return nil, false
}

// FindSleep returns the recorded sleep for a sequence id.
func (r *Run) FindSleep(id int) (Sleep, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, op := range r.operations {
		if sleep, ok := op.Event.(Sleep); ok && sleep.ID == id {
			return sleep, true
		}
	}
	return Sleep{}, false
}

// Sends returns the signals delivered under the given event name, in order.
func (r *Run) Sends(eventName string) []Send {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var sends []Send
	for _, op := range r.operations {
		if send, ok := op.Event.(Send); ok && send.EventName == eventName {
			sends = append(sends, send)
		}
	}
	return sends
}

// NextSequenceID returns one more than the highest sequence id used by a
// Sleep, Save or Log operation, or 0 for a log without any.
func (r *Run) NextSequenceID() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	next := 0
	for _, op := range r.operations {
		var id int
		switch e := op.Event.(type) {
		case Sleep:
			id = e.ID
		case Save:
			id = e.ID
		case Log:
			id = e.ID
		default:
			continue
		}
		if id >= next {
			next = id + 1
		}
	}
	return next
}
