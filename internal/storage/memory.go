package storage

import (
	"context"
	"sync"
	"time"

	"salonnotify/internal/task"
)

// Memory is a map-backed Store for tests and ephemeral runs. It round-trips
// tasks through the same record codec as the durable drivers so payload
// serialization bugs surface in unit tests too.
type Memory struct {
	mu         sync.Mutex
	tasks      map[string]record
	deliveries []DeliveryRecord
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]record{}}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) Put(ctx context.Context, t *task.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[t.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *Memory) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	r, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.toTask()
}

func (s *Memory) UpdateStatus(ctx context.Context, id string, st task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = string(st)
	s.tasks[id] = r
	return nil
}

func (s *Memory) Reschedule(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	r.ExecuteAt = at.UnixMilli()
	s.tasks[id] = r
	return nil
}

func (s *Memory) ListPending(ctx context.Context) ([]*task.Task, error) {
	return s.list(func(r record) bool { return r.Status == string(task.StatusPending) })
}

func (s *Memory) ListDueWithin(ctx context.Context, until time.Time) ([]*task.Task, error) {
	cutoff := until.UnixMilli()
	return s.list(func(r record) bool {
		return r.Status == string(task.StatusPending) && r.ExecuteAt <= cutoff
	})
}

func (s *Memory) list(keep func(record) bool) ([]*task.Task, error) {
	s.mu.Lock()
	recs := make([]record, 0, len(s.tasks))
	for _, r := range s.tasks {
		if keep(r) {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	out := make([]*task.Task, 0, len(recs))
	for _, r := range recs {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Memory) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	s.deliveries = append(s.deliveries, rec)
	s.mu.Unlock()
	return nil
}

// Deliveries returns a copy of the audit trail (test helper).
func (s *Memory) Deliveries() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryRecord(nil), s.deliveries...)
}
