package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// FencedBackend wraps a Backend for the holder of a lease. Every mutation is
// checked against the durable lease first, so a worker whose lease was taken
// over cannot overwrite the new owner's history. Reads pass through.
type FencedBackend struct {
	Backend
	coordinator *Coordinator
	lease       *Lease
}

// NewFencedBackend returns a backend that only accepts mutations for the
// leased run while the lease is valid.
func NewFencedBackend(backend Backend, coordinator *Coordinator, lease *Lease) *FencedBackend {
	return &FencedBackend{Backend: backend, coordinator: coordinator, lease: lease}
}

// Lease returns the lease the backend is fenced with.
func (b *FencedBackend) Lease() *Lease {
	return b.lease
}

func (b *FencedBackend) fence(ctx context.Context, runID string) error {
	if b.lease == nil || runID != b.lease.RunID {
		leased := ""
		if b.lease != nil {
			leased = b.lease.RunID
		}
		return newLogError(ErrorTypeLease, runID, "fence",
			fmt.Errorf("%w: lease covers run %q", ErrLeaseLost, leased))
	}
	return b.coordinator.Validate(ctx, b.lease)
}

func (b *FencedBackend) WriteEvents(ctx context.Context, runID string, records *wire.Records) error {
	if err := b.fence(ctx, runID); err != nil {
		return err
	}
	return b.Backend.WriteEvents(ctx, runID, records)
}

func (b *FencedBackend) AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error {
	if err := b.fence(ctx, runID); err != nil {
		return err
	}
	return b.Backend.AppendMetadata(ctx, runID, at, text)
}

func (b *FencedBackend) AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error {
	if err := b.fence(ctx, runID); err != nil {
		return err
	}
	return b.Backend.AddSchedule(ctx, queue, runID, at, payload)
}

func (b *FencedBackend) CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error {
	if err := b.fence(ctx, runID); err != nil {
		return err
	}
	return b.Backend.CloseSchedule(ctx, queue, runID, at)
}
