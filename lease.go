package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// CoordinatorOptions configures a lease Coordinator.
type CoordinatorOptions struct {
	// Store holds the lease records. Required.
	Store LeaseStore

	// Backend is consulted by NextRun for due schedules. Optional unless
	// NextRun is used.
	Backend Backend

	Logger *slog.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Coordinator decides which worker drives a run. A lease expires unless it is
// renewed, and every change of owner increments a fencing token, so a worker
// that lost its lease is rejected by Validate before it can mutate the run.
type Coordinator struct {
	store   LeaseStore
	backend Backend
	logger  *slog.Logger
	clock   func() time.Time
}

// NewCoordinator returns a coordinator over the given lease store.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("lease store is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Coordinator{
		store:   opts.Store,
		backend: opts.Backend,
		logger:  opts.Logger,
		clock:   opts.Clock,
	}, nil
}

// AcquireLease grants owner the lease on a run for ttl. It fails with
// ErrLeaseHeld while another owner holds an unexpired lease. Acquiring
// always issues a new token, also when the same owner re-acquires.
func (c *Coordinator) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (*Lease, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, errors.New("lease owner is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid lease ttl %s", ttl)
	}

	current, err := c.store.LoadLease(ctx, runID)
	if err != nil {
		return nil, wrapIO(runID, "acquire_lease", err)
	}
	now := c.clock()
	if current.Active(now) && current.Owner != owner {
		return nil, newLogError(ErrorTypeLease, runID, "acquire_lease",
			fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.Owner, current.ExpiresAt.Format(time.RFC3339)))
	}

	var prevToken uint64
	if current != nil {
		prevToken = current.Token
	}
	next := &Lease{
		RunID:     runID,
		Owner:     owner,
		Token:     prevToken + 1,
		ExpiresAt: normalizeTime(now.Add(ttl)),
	}
	swapped, err := c.store.SwapLease(ctx, runID, prevToken, next)
	if err != nil {
		return nil, wrapIO(runID, "acquire_lease", err)
	}
	if !swapped {
		return nil, newLogError(ErrorTypeLease, runID, "acquire_lease", ErrLeaseHeld)
	}

	c.logger.Info("acquired lease", "run_id", runID, "owner", owner, "token", next.Token)
	return next, nil
}

// RenewLease extends an unexpired lease by ttl from now. The token is kept.
func (c *Coordinator) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid lease ttl %s", ttl)
	}
	if err := c.Validate(ctx, lease); err != nil {
		return nil, err
	}
	next := &Lease{
		RunID:     lease.RunID,
		Owner:     lease.Owner,
		Token:     lease.Token,
		ExpiresAt: normalizeTime(c.clock().Add(ttl)),
	}
	swapped, err := c.store.SwapLease(ctx, lease.RunID, lease.Token, next)
	if err != nil {
		return nil, wrapIO(lease.RunID, "renew_lease", err)
	}
	if !swapped {
		return nil, newLogError(ErrorTypeLease, lease.RunID, "renew_lease", ErrLeaseLost)
	}

	c.logger.Debug("renewed lease", "run_id", lease.RunID, "token", lease.Token)
	return next, nil
}

// RemoveLease releases a lease. The record is kept with an empty owner so the
// next token continues from this one. Releasing a lease that was already
// released or superseded is not an error.
func (c *Coordinator) RemoveLease(ctx context.Context, lease *Lease) error {
	current, err := c.store.LoadLease(ctx, lease.RunID)
	if err != nil {
		return wrapIO(lease.RunID, "remove_lease", err)
	}
	if current == nil || current.Token != lease.Token || current.Owner != lease.Owner {
		return nil
	}
	released := &Lease{RunID: lease.RunID, Token: lease.Token}
	if _, err := c.store.SwapLease(ctx, lease.RunID, lease.Token, released); err != nil {
		return wrapIO(lease.RunID, "remove_lease", err)
	}

	c.logger.Info("released lease", "run_id", lease.RunID, "token", lease.Token)
	return nil
}

// Validate checks the lease against durable state. It fails with
// ErrLeaseLost when the stored token or owner differ and with
// ErrLeaseExpired when the lease ran out.
func (c *Coordinator) Validate(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return newLogError(ErrorTypeLease, "", "validate_lease", ErrLeaseLost)
	}
	current, err := c.store.LoadLease(ctx, lease.RunID)
	if err != nil {
		return wrapIO(lease.RunID, "validate_lease", err)
	}
	if current == nil || current.Token != lease.Token || current.Owner != lease.Owner || current.Owner == "" {
		return newLogError(ErrorTypeLease, lease.RunID, "validate_lease", ErrLeaseLost)
	}
	if !current.Active(c.clock()) {
		return newLogError(ErrorTypeLease, lease.RunID, "validate_lease", ErrLeaseExpired)
	}
	return nil
}

// ActiveLeases returns the unexpired leases, sorted by run id.
func (c *Coordinator) ActiveLeases(ctx context.Context) ([]*Lease, error) {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	now := c.clock()
	active := []*Lease{}
	for _, lease := range leases {
		if lease.Active(now) {
			active = append(active, lease)
		}
	}
	sortLeases(active)
	return active, nil
}

// NextRun returns the earliest open schedule on the queue that is due and
// whose run is not leased, or nil when nothing is ready.
func (c *Coordinator) NextRun(ctx context.Context, queue string) (*wire.Schedule, error) {
	if c.backend == nil {
		return nil, errors.New("coordinator has no backend")
	}
	schedules, err := c.backend.ListSchedules(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	now := c.clock()
	for _, schedule := range schedules {
		if schedule.At.After(now) {
			break
		}
		lease, err := c.store.LoadLease(ctx, schedule.RunID)
		if err != nil {
			return nil, wrapIO(schedule.RunID, "next_run", err)
		}
		if lease.Active(now) {
			continue
		}
		next := schedule
		return &next, nil
	}
	return nil, nil
}
