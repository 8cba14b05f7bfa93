package runlog

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// Backend persists run histories, diagnostic metadata and schedules. Calls
// block until the storage operation completes; hosts driving many runs
// concurrently should call it from their own goroutines.
//
// Absence is never an error: a missing history or schedule is reported as a
// nil result with a nil error.
type Backend interface {
	// ReadEvents returns the stored history for a run, or nil for a fresh run.
	ReadEvents(ctx context.Context, runID string) (*wire.Records, error)

	// WriteEvents replaces the stored history for a run in a single write.
	WriteEvents(ctx context.Context, runID string, records *wire.Records) error

	// ReadAllMetadata returns the diagnostic entries of a run, oldest first.
	ReadAllMetadata(ctx context.Context, runID string) ([]wire.Metadata, error)

	// AppendMetadata stores a diagnostic entry. The caller guarantees that
	// timestamps are unique per run.
	AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error

	// AddSchedule registers a wake-up for a run on a queue. Every open slot of
	// the same run on the same queue whose time is <= at is closed first.
	AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error

	// ReadSchedule returns the payload of a slot. Nil means either that the
	// slot carries no payload or that it is closed.
	ReadSchedule(ctx context.Context, queue, runID string, at time.Time) (*wire.Event, error)

	// CloseSchedule deletes a slot. Closing a closed slot is not an error.
	CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error

	// ListSchedules returns the open slots of a queue ordered by time, then
	// run id.
	ListSchedules(ctx context.Context, queue string) ([]wire.Schedule, error)

	// ListRuns returns the ids of all runs with stored history, sorted.
	ListRuns(ctx context.Context) ([]string, error)
}

// Lease grants one owner the right to drive a run until ExpiresAt. Token
// increases every time the lease changes hands and is checked against
// durable state before mutations.
type Lease struct {
	RunID     string    `json:"run_id"`
	Owner     string    `json:"owner"`
	Token     uint64    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the lease is held and unexpired at now.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && l.Owner != "" && now.Before(l.ExpiresAt)
}

// LeaseStore is the durable primitive the lease Coordinator is built on.
type LeaseStore interface {
	// LoadLease returns the stored lease record for a run, or nil.
	LoadLease(ctx context.Context, runID string) (*Lease, error)

	// SwapLease stores next only if the stored token equals prevToken, where
	// an absent record counts as token 0. It reports whether the swap
	// happened.
	SwapLease(ctx context.Context, runID string, prevToken uint64, next *Lease) (bool, error)

	// ListLeases returns every stored lease record, including released ones.
	ListLeases(ctx context.Context) ([]*Lease, error)
}
