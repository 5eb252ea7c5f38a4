package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// Store is the durable task store. Every task record lives here for its
// whole lifetime; terminal records are retained as an audit trail and are
// never deleted by the engine.
type Store interface {
	// Put inserts a new task record (or overwrites one with the same id).
	Put(ctx context.Context, t *task.Task) error
	// Get returns the task by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)
	// UpdateStatus sets the status label for one task.
	UpdateStatus(ctx context.Context, id string, st task.Status) error
	// Reschedule moves a task's execute-at time.
	Reschedule(ctx context.Context, id string, at time.Time) error
	// ListPending returns every pending task.
	ListPending(ctx context.Context) ([]*task.Task, error)
	// ListDueWithin returns pending tasks whose execute-at is <= until.
	ListDueWithin(ctx context.Context, until time.Time) ([]*task.Task, error)
	// AppendDelivery records one channel send attempt (audit, best-effort).
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
