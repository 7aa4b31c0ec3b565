package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// Memory is a non-durable Store used by tests and dry runs.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]reminder.Job
	closed bool
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]reminder.Job{}}
}

func (m *Memory) Put(ctx context.Context, job reminder.Job) error {
	_ = ctx
	job, err := normalizeNew(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", reminder.ErrDuplicateID, job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (reminder.Job, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Job{}, ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return j, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Job{}, ErrClosed
	}
	cur, ok := m.jobs[id]
	if !ok {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err := reminder.CheckTransition(cur, status, attempts); err != nil {
		return reminder.Job{}, err
	}
	next := cur.Apply(status, attempts, lastError, time.Now())
	m.jobs[id] = next
	return next, nil
}

func (m *Memory) ListPending(ctx context.Context) ([]reminder.Job, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]reminder.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status == reminder.StatusPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]reminder.Job, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]reminder.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return applyFilter(out, f), nil
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, j := range m.jobs {
		if prunable(j, before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
