package task

import (
	"errors"
	"strings"
	"time"
)

// Type identifies which handler executes a task's payload.
type Type string

const (
	TypeEmail           Type = "email"
	TypePush            Type = "push"
	TypeOrchestration   Type = "orchestration"
	TypeIndividualEmail Type = "individual_email"
	TypeCustom          Type = "custom"
)

// Valid reports whether t is a recognized task type.
func (t Type) Valid() bool {
	switch t {
	case TypeEmail, TypePush, TypeOrchestration, TypeIndividualEmail, TypeCustom:
		return true
	}
	return false
}

// Priority orders ready tasks within one execution batch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns a sortable weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Normalize maps the empty/unknown priority to normal.
func (p Priority) Normalize() Priority {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p
	}
	return PriorityNormal
}

// RetryPolicy is accepted and persisted with a task but is not consulted by
// the execution loop: a failed task stays failed until an operator
// reschedules a fresh one. Kept on the record so manual retry tooling can
// read it back.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
}

// Result is what a handler returns for one execution.
// Handlers never mutate the task itself; the scheduler applies the outcome.
type Result struct {
	Success  bool
	Message  string
	Err      error
	Metadata map[string]any
}

// MetaRecur is the metadata key holding a cron spec for recurring tasks.
// When set, the scheduler plants the next occurrence after each firing.
const MetaRecur = "recur"

// Task is a unit of deferred work with a target execution time and a status.
type Task struct {
	ID        string
	Type      Type
	Payload   Payload
	ExecuteAt time.Time
	Priority  Priority
	Retry     *RetryPolicy
	Status    Status
	CreatedAt time.Time
	Meta      map[string]string
}

// Less orders tasks for execution: higher priority first, then earlier
// ExecuteAt, then id for determinism.
func Less(a, b *Task) bool {
	if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
		return ar > br
	}
	if !a.ExecuteAt.Equal(b.ExecuteAt) {
		return a.ExecuteAt.Before(b.ExecuteAt)
	}
	return a.ID < b.ID
}

// Clone returns a shallow copy with its own Meta map.
// Payloads are treated as immutable after scheduling.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Meta != nil {
		cp.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	if t.Retry != nil {
		r := *t.Retry
		cp.Retry = &r
	}
	return &cp
}

// RecurSpec returns the cron spec for recurring tasks, if any.
func (t *Task) RecurSpec() string {
	if t == nil || t.Meta == nil {
		return ""
	}
	return strings.TrimSpace(t.Meta[MetaRecur])
}

// Validate checks the structural invariants of a task record.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task is nil")
	}
	if !t.Type.Valid() {
		return ErrUnknownType
	}
	if t.Payload == nil {
		return errors.New("task payload is nil")
	}
	if t.Payload.TaskType() != t.Type {
		return errors.New("payload type does not match task type")
	}
	if t.ExecuteAt.IsZero() {
		return errors.New("execute_at is required")
	}
	return t.Payload.Validate()
}

var ErrUnknownType = errors.New("unknown task type")
