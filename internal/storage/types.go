package storage

import (
	"encoding/json"
	"errors"
	"time"

	"salonnotify/internal/task"
)

var ErrNotFound = errors.New("task not found")

// Config configures the task store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "redis": Redis server (JSON records + due-time index)
//   - "memory": in-process map, for tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string        // sqlite only
	BusyTimeout time.Duration // sqlite only; 0 means default
	Addr        string        // redis only
	Password    string        // redis only
	DB          int           // redis only
}

// DeliveryRecord is one audited channel send attempt.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time
	TaskID    string
	Channel   string
	Mode      string
	Sent      int
	Failed    int
	FailedIDs []string
	Error     string
	TookMS    int64
}

// record is the serialized task shape shared by the redis and memory
// drivers (sqlite has its own columns). Payloads stay opaque blobs.
type record struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Payload      json.RawMessage   `json:"payload"`
	ExecuteAt    int64             `json:"execute_at_ms"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	RetryMax     int               `json:"retry_max,omitempty"`
	RetryBackoff int64             `json:"retry_backoff_ms,omitempty"`
	CreatedAt    int64             `json:"created_at_ms"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func toRecord(t *task.Task) (record, error) {
	blob, err := task.EncodePayload(t.Payload)
	if err != nil {
		return record{}, err
	}
	r := record{
		ID:        t.ID,
		Type:      string(t.Type),
		Payload:   blob,
		ExecuteAt: t.ExecuteAt.UnixMilli(),
		Priority:  string(t.Priority.Normalize()),
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt.UnixMilli(),
		Meta:      t.Meta,
	}
	if t.Retry != nil {
		r.RetryMax = t.Retry.MaxRetries
		r.RetryBackoff = t.Retry.Backoff.Milliseconds()
	}
	return r, nil
}

func (r record) toTask() (*task.Task, error) {
	typ := task.Type(r.Type)
	p, err := task.DecodePayload(typ, r.Payload)
	if err != nil {
		return nil, err
	}
	st := task.Status(r.Status)
	if !st.Valid() {
		// Unknown labels degrade to pending rather than failing the read.
		st = task.StatusPending
	}
	t := &task.Task{
		ID:        r.ID,
		Type:      typ,
		Payload:   p,
		ExecuteAt: time.UnixMilli(r.ExecuteAt),
		Priority:  task.Priority(r.Priority).Normalize(),
		Status:    st,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		Meta:      r.Meta,
	}
	if r.RetryMax > 0 || r.RetryBackoff > 0 {
		t.Retry = &task.RetryPolicy{MaxRetries: r.RetryMax, Backoff: time.Duration(r.RetryBackoff) * time.Millisecond}
	}
	return t, nil
}
