package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"

	"salonnotify/internal/eventbus"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// fastTick scans the memory cache for ready tasks and executes them
// sequentially: one batch, ordered by priority then execute-at, one task at
// a time. Sequential execution bounds the number of outstanding channel
// calls and keeps ordering among equal-priority tasks meaningful.
func (s *Service) fastTick(ctx context.Context) {
	now := s.now()

	s.cmu.Lock()
	ready := make([]*task.Task, 0, 4)
	for _, t := range s.cache {
		if t.Status == task.StatusPending && !t.ExecuteAt.After(now) {
			ready = append(ready, t)
		}
	}
	s.cmu.Unlock()

	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool { return task.Less(ready[i], ready[j]) })

	for _, t := range ready {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.execOne(ctx, t)
	}
}

// execOne runs a single due task through the handler registry.
//
// The task is marked processing in both tiers before dispatch; the final
// status is always persisted. Handler panics and errors are converted into
// a terminal failed status and never escape the loop. Store write failures
// on status transitions are logged and do not roll back the in-memory state.
func (s *Service) execOne(ctx context.Context, t *task.Task) {
	// Re-check under the cache lock: a concurrent Cancel() or Reschedule()
	// between the scan and this dispatch must win.
	s.cmu.Lock()
	if t.Status != task.StatusPending || t.ExecuteAt.After(s.now()) {
		s.cmu.Unlock()
		return
	}
	t.Status = task.StatusProcessing
	s.cmu.Unlock()

	if err := s.store.UpdateStatus(ctx, t.ID, task.StatusProcessing); err != nil {
		s.log.Warn("status write failed", logx.String("task", t.ID),
			logx.String("status", string(task.StatusProcessing)), logx.Err(err))
	}
	s.publish(eventbus.TaskStarted, t, "")

	start := s.now()
	res := s.dispatch(ctx, t)
	dur := s.now().Sub(start)

	final := task.StatusCompleted
	errText := ""
	if !res.Success {
		final = task.StatusFailed
		if res.Err != nil {
			errText = res.Err.Error()
		} else if res.Message != "" {
			errText = res.Message
		}
	}

	s.cmu.Lock()
	t.Status = final
	s.cmu.Unlock()
	if err := s.store.UpdateStatus(ctx, t.ID, final); err != nil {
		s.log.Warn("status write failed", logx.String("task", t.ID),
			logx.String("status", string(final)), logx.Err(err))
	}

	if final == task.StatusFailed {
		s.log.Warn("task failed", logx.String("task", t.ID), logx.String("type", string(t.Type)),
			logx.Duration("dur", dur), logx.String("err", errText))
		s.publish(eventbus.TaskFailed, t, errText)
	} else {
		s.log.Info("task completed", logx.String("task", t.ID), logx.String("type", string(t.Type)),
			logx.Duration("dur", dur))
		s.publish(eventbus.TaskCompleted, t, "")
	}

	s.scheduleNextOccurrence(ctx, t)
}

// dispatch invokes the executor with panic containment.
func (s *Service) dispatch(ctx context.Context, t *task.Task) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in handler", logx.String("task", t.ID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = task.Result{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return s.exec.Execute(ctx, t)
}

// scheduleNextOccurrence plants a fresh task instance for recurring tasks
// after the current one reaches a terminal execution state. The chain stops
// when the pending instance is cancelled (it never executes) or when the
// spec no longer yields a future time.
func (s *Service) scheduleNextOccurrence(ctx context.Context, t *task.Task) {
	spec := t.RecurSpec()
	if spec == "" {
		return
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		s.log.Warn("recurrence spec no longer parses", logx.String("task", t.ID),
			logx.String("spec", spec), logx.Err(err))
		return
	}
	next := sched.Next(s.now())
	if next.IsZero() {
		return
	}

	nt := t.Clone()
	nt.ID = uuid.NewString()
	nt.ExecuteAt = next
	nt.Status = task.StatusPending
	nt.CreatedAt = s.now()

	if _, err := s.Schedule(ctx, nt); err != nil {
		s.log.Error("failed scheduling next occurrence",
			logx.String("task", t.ID), logx.String("spec", spec), logx.Err(err))
		return
	}
	s.log.Debug("next occurrence scheduled",
		logx.String("prev", t.ID), logx.String("task", nt.ID), logx.Time("execute_at", next))
}

// slowTick reconciles the memory tier against the durable store: terminal
// tasks are evicted, and pending tasks whose execute-at has entered the
// horizon window are (re-)admitted. Start() runs this once synchronously,
// which is what makes near-term work survive a process restart.
func (s *Service) slowTick(ctx context.Context) {
	s.cmu.Lock()
	for id, t := range s.cache {
		if t.Status.Terminal() {
			delete(s.cache, id)
		}
	}
	s.cmu.Unlock()

	until := s.now().Add(s.cfg.Horizon)
	due, err := s.store.ListDueWithin(ctx, until)
	if err != nil {
		s.log.Error("horizon reload failed", logx.Err(err))
		return
	}

	admitted := 0
	s.cmu.Lock()
	for _, t := range due {
		if _, ok := s.cache[t.ID]; ok {
			continue
		}
		if t.Status != task.StatusPending {
			continue
		}
		s.cache[t.ID] = t
		admitted++
	}
	size := len(s.cache)
	s.cmu.Unlock()

	if admitted > 0 {
		s.log.Debug("horizon reload admitted tasks",
			logx.Int("admitted", admitted), logx.Int("cache_size", size),
			logx.Time("until", until))
	}
}
