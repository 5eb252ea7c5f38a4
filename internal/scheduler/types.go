package scheduler

import (
	"context"
	"errors"
	"time"

	"salonnotify/internal/task"
)

// Config controls the scheduler's two-tier residency policy and its timing
// loops.
//
// Horizon is the window below which a pending task is kept memory-resident
// in addition to durable storage. SlowInterval must stay strictly below
// Horizon, otherwise tasks could cross into the window between
// reconciliation runs and miss their slot.
type Config struct {
	Horizon      time.Duration
	FastInterval time.Duration
	SlowInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = time.Hour
	}
	if c.FastInterval <= 0 {
		c.FastInterval = 5 * time.Second
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 10 * time.Minute
	}
	return c
}

// Validate rejects loop settings that would break the residency invariant.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.SlowInterval >= c.Horizon {
		return errors.New("scheduler: slow_interval must be shorter than horizon")
	}
	if c.FastInterval >= c.SlowInterval {
		return errors.New("scheduler: fast_interval must be shorter than slow_interval")
	}
	return nil
}

// Executor dispatches one due task. Implemented by the handler registry;
// declared here so the scheduler does not depend on the handler package.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) task.Result
}

// TaskEvent is emitted on the event bus for task lifecycle transitions.
type TaskEvent struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	CacheSize    int
	Horizon      time.Duration
	FastInterval time.Duration
	SlowInterval time.Duration
}

var (
	// ErrPastExecuteAt rejects schedule/reschedule times that are not in
	// the future.
	ErrPastExecuteAt = errors.New("execute_at must be in the future")
	// ErrNotPending rejects reschedule of a task that already left pending.
	ErrNotPending = errors.New("task is not pending")
	// ErrNotCancellable rejects cancel once a task is processing or terminal.
	ErrNotCancellable = errors.New("task can no longer be cancelled")
	// ErrBadRecurSpec rejects an unparseable recurrence spec.
	ErrBadRecurSpec = errors.New("invalid recurrence spec")
)
