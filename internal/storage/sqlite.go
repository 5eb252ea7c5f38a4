package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, t *task.Task) error {
	blob, err := task.EncodePayload(t.Payload)
	if err != nil {
		return err
	}
	var meta any
	if len(t.Meta) > 0 {
		b, err := json.Marshal(t.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	var retryMax, retryBackoff any
	if t.Retry != nil {
		retryMax = t.Retry.MaxRetries
		retryBackoff = t.Retry.Backoff.Milliseconds()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, type, payload, execute_at, priority, status_id, retry_max, retry_backoff_ms, created_at, meta)
		 VALUES(?,?,?,?,?,
		   (SELECT id FROM task_statuses WHERE label = ?),
		   ?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   payload=excluded.payload, execute_at=excluded.execute_at,
		   priority=excluded.priority, status_id=excluded.status_id,
		   retry_max=excluded.retry_max, retry_backoff_ms=excluded.retry_backoff_ms,
		   meta=excluded.meta`,
		t.ID, string(t.Type), string(blob), t.ExecuteAt.UnixMilli(), string(t.Priority.Normalize()),
		string(t.Status), retryMax, retryBackoff, t.CreatedAt.UnixMilli(), meta,
	)
	return err
}

const taskColumns = `t.id, t.type, t.payload, t.execute_at, t.priority, st.label, t.retry_max, t.retry_backoff_ms, t.created_at, t.meta`

func (s *sqliteStore) scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		r            record
		payload      string
		statusLabel  sql.NullString
		retryMax     sql.NullInt64
		retryBackoff sql.NullInt64
		meta         sql.NullString
	)
	err := row.Scan(&r.ID, &r.Type, &payload, &r.ExecuteAt, &r.Priority, &statusLabel, &retryMax, &retryBackoff, &r.CreatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	// Missing/unknown lookup labels degrade to pending (documented leniency).
	r.Status = statusLabel.String
	r.RetryMax = int(retryMax.Int64)
	r.RetryBackoff = retryBackoff.Int64
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			s.log.Warn("bad task meta blob", logx.String("task", r.ID), logx.Err(err))
		}
	}
	return r.toTask()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 LEFT JOIN task_statuses st ON st.id = t.status_id
		 WHERE t.id = ?`, id)
	return s.scanTask(row)
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, st task.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status_id = (SELECT id FROM task_statuses WHERE label = ?) WHERE id = ?`,
		string(st), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET execute_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]*task.Task, error) {
	return s.listWhere(ctx,
		`st.label = 'pending'`, nil)
}

func (s *sqliteStore) ListDueWithin(ctx context.Context, until time.Time) ([]*task.Task, error) {
	return s.listWhere(ctx,
		`st.label = 'pending' AND t.execute_at <= ?`, []any{until.UnixMilli()})
}

func (s *sqliteStore) listWhere(ctx context.Context, where string, args []any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 LEFT JOIN task_statuses st ON st.id = t.status_id
		 WHERE `+where+` ORDER BY t.execute_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			// One corrupt record should not hide the rest of the queue.
			s.log.Warn("skipping unreadable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	var failedIDs any
	if len(rec.FailedIDs) > 0 {
		b, err := json.Marshal(rec.FailedIDs)
		if err == nil {
			failedIDs = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, task_id, channel, mode, sent, failed, failed_ids, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.At.Format(time.RFC3339Nano), nullStr(rec.TaskID), rec.Channel, nullStr(rec.Mode),
		rec.Sent, rec.Failed, failedIDs, nullStr(rec.Error), rec.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
