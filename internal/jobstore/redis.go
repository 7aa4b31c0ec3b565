package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// redisStore keeps one hash per job plus a set per status and a sorted set
// of ids scored by creation time:
//
//	<prefix>job:<id>        hash
//	<prefix>status:<status> set of ids
//	<prefix>jobs            zset id -> created_at (unix ms)
//
// Multi-key writes run in WATCH/MULTI transactions.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

const redisTxRetries = 8

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisStore(rdb, cfg.Redis.Prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "remindbot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *redisStore) statusKey(st reminder.Status) string {
	return s.prefix + "status:" + string(st)
}
func (s *redisStore) indexKey() string { return s.prefix + "jobs" }

func (s *redisStore) Put(ctx context.Context, job reminder.Job) error {
	job, err := normalizeNew(job)
	if err != nil {
		return err
	}
	key := s.jobKey(job.ID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", reminder.ErrDuplicateID, job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeHash(job))
			pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
			return nil
		})
		return err
	})
}

func (s *redisStore) Get(ctx context.Context, id string) (reminder.Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return reminder.Job{}, err
	}
	if len(m) == 0 {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return decodeHash(m)
}

func (s *redisStore) UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error) {
	key := s.jobKey(id)
	var next reminder.Job
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
		}
		cur, err := decodeHash(m)
		if err != nil {
			return err
		}
		if err := reminder.CheckTransition(cur, status, attempts); err != nil {
			return err
		}
		next = cur.Apply(status, attempts, lastError, time.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeHash(next))
			if cur.Status != next.Status {
				pipe.SRem(ctx, s.statusKey(cur.Status), id)
				pipe.SAdd(ctx, s.statusKey(next.Status), id)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return reminder.Job{}, err
	}
	return next, nil
}

func (s *redisStore) ListPending(ctx context.Context) ([]reminder.Job, error) {
	ids, err := s.rdb.SMembers(ctx, s.statusKey(reminder.StatusPending)).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == reminder.StatusPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *redisStore) List(ctx context.Context, f Filter) ([]reminder.Job, error) {
	var (
		ids []string
		err error
	)
	if f.Status != "" {
		ids, err = s.rdb.SMembers(ctx, s.statusKey(f.Status)).Result()
	} else {
		stop := int64(-1)
		if f.Limit > 0 {
			stop = int64(f.Limit - 1)
		}
		ids, err = s.rdb.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	}
	if err != nil {
		return nil, err
	}
	jobs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return applyFilter(jobs, f), nil
}

func (s *redisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, st := range []reminder.Status{reminder.StatusSent, reminder.StatusFailed, reminder.StatusCancelled} {
		ids, err := s.rdb.SMembers(ctx, s.statusKey(st)).Result()
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			key := s.jobKey(id)
			deleted := false
			err := s.watch(ctx, key, func(tx *redis.Tx) error {
				deleted = false
				m, err := tx.HGetAll(ctx, key).Result()
				if err != nil {
					return err
				}
				if len(m) == 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.SRem(ctx, s.statusKey(st), id)
						pipe.ZRem(ctx, s.indexKey(), id)
						return nil
					})
					return err
				}
				j, err := decodeHash(m)
				if err != nil {
					return err
				}
				if !prunable(j, before) {
					return nil
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.statusKey(j.Status), id)
					pipe.ZRem(ctx, s.indexKey(), id)
					return nil
				})
				deleted = err == nil
				return err
			})
			if err != nil {
				return n, err
			}
			if deleted {
				n++
			}
		}
	}
	return n, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

// watch runs fn in an optimistic transaction on key, retrying when another
// client modified the key first.
func (s *redisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("redis tx conflict; retrying", logx.String("key", key), logx.Int("try", i+1))
			continue
		}
		return err
	}
	return fmt.Errorf("redis: too many conflicting writers on %s", key)
}

func (s *redisStore) load(ctx context.Context, ids []string) ([]reminder.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]reminder.Job, 0, len(ids))
	for _, c := range cmds {
		m, err := c.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		j, err := decodeHash(m)
		if err != nil {
			s.log.Warn("skipping undecodable job hash", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func encodeHash(j reminder.Job) map[string]any {
	return map[string]any{
		"id":         j.ID,
		"recipient":  j.Recipient,
		"payload":    j.Payload,
		"fire_at":    strconv.FormatInt(j.FireAt.UnixNano(), 10),
		"status":     string(j.Status),
		"attempts":   strconv.Itoa(j.Attempts),
		"last_error": j.LastError,
		"created_at": strconv.FormatInt(j.CreatedAt.UnixNano(), 10),
		"updated_at": strconv.FormatInt(j.UpdatedAt.UnixNano(), 10),
	}
}

func decodeHash(m map[string]string) (reminder.Job, error) {
	parseNanos := func(field string) (time.Time, error) {
		n, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("job %s: field %s: %w", m["id"], field, err)
		}
		return time.Unix(0, n).UTC(), nil
	}
	fireAt, err := parseNanos("fire_at")
	if err != nil {
		return reminder.Job{}, err
	}
	created, err := parseNanos("created_at")
	if err != nil {
		return reminder.Job{}, err
	}
	updated, err := parseNanos("updated_at")
	if err != nil {
		return reminder.Job{}, err
	}
	attempts, err := strconv.Atoi(m["attempts"])
	if err != nil {
		return reminder.Job{}, fmt.Errorf("job %s: field attempts: %w", m["id"], err)
	}
	return reminder.Job{
		ID:        m["id"],
		Recipient: m["recipient"],
		Payload:   m["payload"],
		FireAt:    fireAt,
		Status:    reminder.Status(m["status"]),
		Attempts:  attempts,
		LastError: m["last_error"],
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}
