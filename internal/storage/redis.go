package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

const (
	taskKeyPrefix   = "salonnotify:task:"
	dueIndexKey     = "salonnotify:due"
	deliveryListKey = "salonnotify:deliveries"
	deliveryListCap = 5000
)

// redisStore keeps one JSON record per task plus a due-time sorted set over
// pending ids. The zset doubles as the pending index: a task leaves it the
// moment it leaves pending.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{client: client, log: log}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Put(ctx context.Context, t *task.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskKeyPrefix+t.ID, data, 0)
	if t.Status == task.StatusPending {
		pipe.ZAdd(ctx, dueIndexKey, redis.Z{Score: float64(t.ExecuteAt.UnixMilli()), Member: t.ID})
	} else {
		pipe.ZRem(ctx, dueIndexKey, t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (s *redisStore) get(ctx context.Context, id string) (record, error) {
	data, err := s.client.Get(ctx, taskKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, ErrNotFound
	}
	if err != nil {
		return record{}, fmt.Errorf("get task: %w", err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return r, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.toTask()
}

func (s *redisStore) rewrite(ctx context.Context, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskKeyPrefix+r.ID, data, 0)
	if r.Status == string(task.StatusPending) {
		pipe.ZAdd(ctx, dueIndexKey, redis.Z{Score: float64(r.ExecuteAt), Member: r.ID})
	} else {
		pipe.ZRem(ctx, dueIndexKey, r.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) UpdateStatus(ctx context.Context, id string, st task.Status) error {
	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	r.Status = string(st)
	return s.rewrite(ctx, r)
}

func (s *redisStore) Reschedule(ctx context.Context, id string, at time.Time) error {
	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	r.ExecuteAt = at.UnixMilli()
	return s.rewrite(ctx, r)
}

func (s *redisStore) ListPending(ctx context.Context) ([]*task.Task, error) {
	ids, err := s.client.ZRange(ctx, dueIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return s.fetch(ctx, ids)
}

func (s *redisStore) ListDueWithin(ctx context.Context, until time.Time) ([]*task.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return s.fetch(ctx, ids)
}

func (s *redisStore) fetch(ctx context.Context, ids []string) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index ahead of record; self-heal.
			_ = s.client.ZRem(ctx, dueIndexKey, id)
			continue
		}
		if err != nil {
			s.log.Warn("skipping unreadable task record", logx.String("task", id), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *redisStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, deliveryListKey, b)
	pipe.LTrim(ctx, deliveryListKey, 0, deliveryListCap-1)
	_, err = pipe.Exec(ctx)
	return err
}
