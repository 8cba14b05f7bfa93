package runlog

import (
	"context"
	"time"
)

// RunCallbacks receives notifications about a run's durable lifecycle.
type RunCallbacks interface {
	BeforeRecover(ctx context.Context, event *RunEvent)
	AfterRecover(ctx context.Context, event *RunEvent)
	AfterCompact(ctx context.Context, event *RunEvent)
	AfterPersist(ctx context.Context, event *RunEvent)
}

// RunEvent provides context for run lifecycle callbacks
type RunEvent struct {
	RunID      string
	Operations int
	Dropped    int
	Fresh      bool
	StartTime  time.Time
	Duration   time.Duration
	Error      error
}

// BaseRunCallbacks provides a default implementation that does nothing
type BaseRunCallbacks struct{}

func (n *BaseRunCallbacks) BeforeRecover(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterRecover(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterCompact(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterPersist(ctx context.Context, event *RunEvent) {
	// noop
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []RunCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...RunCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback RunCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRecover(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRecover(ctx, event)
	}
}

func (c *CallbackChain) AfterRecover(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRecover(ctx, event)
	}
}

func (c *CallbackChain) AfterCompact(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterCompact(ctx, event)
	}
}

func (c *CallbackChain) AfterPersist(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterPersist(ctx, event)
	}
}
