package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"salonnotify/internal/eventbus"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// Schedule validates and persists a new task, returning its id.
//
// The task is written to the durable store unconditionally and admitted to
// the memory cache only when it is due within the horizon. Validation
// failures leave nothing persisted.
func (s *Service) Schedule(ctx context.Context, t *task.Task) (string, error) {
	if t == nil {
		return "", errors.New("task is nil")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = task.StatusPending
	t.Priority = t.Priority.Normalize()

	if !t.ExecuteAt.After(s.now()) {
		return "", ErrPastExecuteAt
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	if spec := t.RecurSpec(); spec != "" {
		if _, err := s.parser.Parse(spec); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrBadRecurSpec, spec, err)
		}
	}

	if err := s.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	if s.withinHorizon(t.ExecuteAt) {
		s.cachePut(t.Clone())
	}

	s.log.Debug("task scheduled",
		logx.String("task", t.ID), logx.String("type", string(t.Type)),
		logx.Time("execute_at", t.ExecuteAt), logx.String("priority", string(t.Priority)))
	s.publish(eventbus.TaskScheduled, t, "")
	return t.ID, nil
}

// Cancel flips a pending task to cancelled in both tiers. It fails once the
// task is processing or terminal; an in-flight handler is never interrupted.
//
// The transition is claimed on the cached copy under the cache lock; execOne
// claims processing under the same lock, so exactly one side of a race wins
// and the other observes the winner's status.
func (s *Service) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ErrNotFound
	}

	s.cmu.Lock()
	cached, inCache := s.cache[id]
	if inCache {
		if cached.Status != task.StatusPending {
			st := cached.Status
			s.cmu.Unlock()
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, st)
		}
		cached.Status = task.StatusCancelled
	}
	s.cmu.Unlock()

	t := cached
	if !inCache {
		// Beyond the horizon: only the store knows the task, and the
		// execution loop never touches uncached tasks.
		var err error
		t, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending {
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, t.Status)
		}
		t.Status = task.StatusCancelled
	}

	if err := s.store.UpdateStatus(ctx, id, task.StatusCancelled); err != nil {
		if inCache {
			s.cmu.Lock()
			cached.Status = task.StatusPending
			s.cmu.Unlock()
		}
		return fmt.Errorf("persist cancel: %w", err)
	}

	s.log.Info("task cancelled", logx.String("task", id))
	s.publish(eventbus.TaskCancelled, t, "")
	return nil
}

// Reschedule moves a pending task to a new future execution time. Like
// Cancel, the change is claimed on the cached copy under the cache lock
// before it is persisted.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) error {
	if !at.After(s.now()) {
		return ErrPastExecuteAt
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ErrNotFound
	}

	s.cmu.Lock()
	cached, inCache := s.cache[id]
	var prevAt time.Time
	if inCache {
		if cached.Status != task.StatusPending {
			st := cached.Status
			s.cmu.Unlock()
			return fmt.Errorf("%w: status is %s", ErrNotPending, st)
		}
		prevAt = cached.ExecuteAt
		cached.ExecuteAt = at
		// Cache residency follows the new time.
		if !s.withinHorizon(at) {
			delete(s.cache, id)
		}
	}
	s.cmu.Unlock()

	t := cached
	if !inCache {
		var err error
		t, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending {
			return fmt.Errorf("%w: status is %s", ErrNotPending, t.Status)
		}
		t.ExecuteAt = at
	}

	if err := s.store.Reschedule(ctx, id, at); err != nil {
		if inCache {
			s.cmu.Lock()
			cached.ExecuteAt = prevAt
			s.cache[id] = cached
			s.cmu.Unlock()
		}
		return fmt.Errorf("persist reschedule: %w", err)
	}

	if !inCache && s.withinHorizon(at) {
		s.cachePut(t.Clone())
	}

	s.log.Info("task rescheduled", logx.String("task", id), logx.Time("execute_at", at))
	s.publish(eventbus.TaskRescheduled, t, "")
	return nil
}

// GetTask returns the task by id, memory-first with store fallback.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// GetStatus returns just the status label for id.
func (s *Service) GetStatus(ctx context.Context, id string) (task.Status, error) {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// ListPending returns every pending task ordered by priority (high first)
// then execute-at ascending.
func (s *Service) ListPending(ctx context.Context) ([]*task.Task, error) {
	tasks, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return task.Less(tasks[i], tasks[j]) })
	return tasks, nil
}

// lookup reads memory first, then the durable store. Cached tasks are
// snapshotted under the cache lock; callers never see a copy the execution
// loop is concurrently mutating.
func (s *Service) lookup(ctx context.Context, id string) (*task.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, storage.ErrNotFound
	}
	s.cmu.Lock()
	if cached := s.cache[id]; cached != nil {
		snap := cached.Clone()
		s.cmu.Unlock()
		return snap, nil
	}
	s.cmu.Unlock()
	return s.store.Get(ctx, id)
}

func (s *Service) publish(evType string, t *task.Task, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: evType, Data: TaskEvent{
		ID: t.ID, Type: string(t.Type), Status: string(t.Status), At: s.now(), Error: errText,
	}})
}
