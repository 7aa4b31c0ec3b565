package jobstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"remindbot/internal/reminder"
)

var ErrClosed = errors.New("job store closed")

// Store is the durable keyed record of reminder jobs.
type Store interface {
	Put(ctx context.Context, job reminder.Job) error
	Get(ctx context.Context, id string) (reminder.Job, error)
	// UpdateStatus applies a transition and returns the updated record.
	UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error)
	// ListPending returns every pending job, unordered.
	ListPending(ctx context.Context) ([]reminder.Job, error)
	List(ctx context.Context, f Filter) ([]reminder.Job, error)
	// Prune deletes terminal jobs last updated before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Filter narrows List. Zero value lists everything, newest first.
type Filter struct {
	Status reminder.Status
	Limit  int
}

// Config configures the job store.
//
// Driver values:
//   - "memory": process-local map (tests, dry runs; not durable)
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//   - "redis": Redis hashes and sets under Redis.Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DSN         string
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func normalizeNew(job reminder.Job) (reminder.Job, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return job, errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = reminder.StatusPending
	}
	if !job.Status.Valid() {
		return job, errors.New("invalid job status: " + string(job.Status))
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	job.FireAt = job.FireAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.Status != reminder.StatusFailed {
		job.LastError = ""
	}
	return job, nil
}

func prunable(j reminder.Job, before time.Time) bool {
	return j.Status.Terminal() && j.UpdatedAt.Before(before)
}

// applyFilter sorts newest first and applies status/limit in memory.
func applyFilter(in []reminder.Job, f Filter) []reminder.Job {
	out := in[:0]
	for _, j := range in {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
