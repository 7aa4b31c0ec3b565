// Package scheduler holds pending reminder jobs in a time-ordered wait set
// and hands each one to the dispatcher when its instant arrives.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

const (
	OverdueFire = "fire"
	OverdueSkip = "skip"
)

const (
	interruptedReason = "interrupted: process exited during dispatch"
	skippedReason     = "skipped: overdue at startup"
)

var ErrStopped = errors.New("scheduler not running")

// Submitter receives jobs that were just marked firing.
type Submitter interface {
	Submit(job reminder.Job) error
}

type Config struct {
	// OverduePolicy decides what startup recovery does with pending jobs
	// whose instant already passed: OverdueFire (default) or OverdueSkip.
	OverduePolicy string
	// StoreRetryDelay is how long a job waits before another attempt to
	// mark it firing after a store error.
	StoreRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.OverduePolicy != OverdueSkip {
		c.OverduePolicy = OverdueFire
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = time.Second
	}
	return c
}

// ValidOverduePolicy reports whether p is accepted by Config. Empty means fire.
func ValidOverduePolicy(p string) bool {
	return p == "" || p == OverdueFire || p == OverdueSkip
}

type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	ws    waitSet
	index map[string]*entry
	seq   uint64

	running bool
	sup     *rtsup.Supervisor
	wake    chan struct{}

	store jobstore.Store
	out   Submitter
	log   logx.Logger
	bus   eventbus.Bus

	now func() time.Time
}

func New(cfg Config, store jobstore.Store, out Submitter, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		index: map[string]*entry{},
		wake:  make(chan struct{}, 1),
		store: store,
		out:   out,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start runs startup recovery and then the timer loop. Admit is refused
// until recovery has loaded every pending job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	pending, err := s.recover(ctx, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, j := range pending {
		s.insertLocked(j)
	}
	s.running = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	n := s.ws.Len()
	s.mu.Unlock()

	for _, j := range pending {
		s.publish(eventbus.JobRecovered, j, "")
	}
	sup.Go0("scheduler.loop", s.loop)
	s.log.Info("scheduler started", logx.Int("pending", n), logx.String("overdue_policy", cfg.OverduePolicy))
	return nil
}

// Stop ends the loop. Waiting jobs stay pending in the store and are
// reloaded on the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.ws = nil
	s.index = map[string]*entry{}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// recover fails orphaned firing jobs and returns the pending jobs to admit,
// ordered by instant then creation.
func (s *Scheduler) recover(ctx context.Context, cfg Config) ([]reminder.Job, error) {
	orphans, err := s.store.List(ctx, jobstore.Filter{Status: reminder.StatusFiring})
	if err != nil {
		return nil, fmt.Errorf("list firing jobs: %w", err)
	}
	for _, j := range orphans {
		out, err := s.store.UpdateStatus(ctx, j.ID, reminder.StatusFailed, j.Attempts, interruptedReason)
		if err != nil {
			return nil, fmt.Errorf("fail orphaned job %s: %w", j.ID, err)
		}
		s.log.Warn("orphaned firing job marked failed", logx.JobID(j.ID), logx.Int("attempts", j.Attempts))
		s.publish(eventbus.JobFailed, out, interruptedReason)
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	sort.Slice(pending, func(i, k int) bool {
		a, b := pending[i], pending[k]
		if !a.FireAt.Equal(b.FireAt) {
			return a.FireAt.Before(b.FireAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if cfg.OverduePolicy != OverdueSkip {
		return pending, nil
	}
	now := s.now()
	keep := pending[:0]
	for _, j := range pending {
		// Attempts > 0 means a retry was cut short by shutdown; it was due
		// before and is resumed rather than skipped.
		if !j.Due(now) || j.Attempts > 0 {
			keep = append(keep, j)
			continue
		}
		out, err := s.store.UpdateStatus(ctx, j.ID, reminder.StatusFailed, j.Attempts, skippedReason)
		if err != nil {
			return nil, fmt.Errorf("skip overdue job %s: %w", j.ID, err)
		}
		s.log.Info("overdue job skipped", logx.JobID(j.ID), logx.Time("fire_at", j.FireAt))
		s.publish(eventbus.JobFailed, out, skippedReason)
	}
	return keep, nil
}

// Admit adds a pending job to the wait set. A job whose instant has passed
// becomes due immediately. Admitting an id already waiting is a no-op.
func (s *Scheduler) Admit(job reminder.Job) error {
	if job.Status != reminder.StatusPending {
		return fmt.Errorf("%w: admit %s job %s", reminder.ErrInvalidTransition, job.Status, job.ID)
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.index[job.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	e := s.insertLocked(job)
	first := s.ws.peek() == e
	s.mu.Unlock()

	if first {
		s.signal()
	}
	s.log.Debug("job admitted", logx.JobID(job.ID), logx.Time("fire_at", job.FireAt))
	s.publish(eventbus.JobAdmitted, job, "")
	return nil
}

// Cancel withdraws a job that has not started firing and records it as
// cancelled. It returns reminder.ErrAlreadyFiring once dispatch has begun and
// nil when the job is already cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if e, ok := s.index[id]; ok {
		// The loop marks jobs firing under the same lock, so the job cannot
		// start firing between this check and the store write.
		out, err := s.store.UpdateStatus(ctx, id, reminder.StatusCancelled, e.job.Attempts, "")
		if err != nil {
			s.mu.Unlock()
			return err
		}
		first := e.index == 0
		heap.Remove(&s.ws, e.index)
		delete(s.index, id)
		s.mu.Unlock()
		if first {
			s.signal()
		}
		s.log.Info("job cancelled", logx.JobID(id))
		s.publish(eventbus.JobCancelled, out, "")
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case reminder.StatusCancelled:
		return nil
	case reminder.StatusPending:
		// Stored but not (yet) in the wait set.
		out, err := s.store.UpdateStatus(ctx, id, reminder.StatusCancelled, job.Attempts, "")
		if errors.Is(err, reminder.ErrInvalidTransition) {
			return s.Cancel(ctx, id)
		}
		if err != nil {
			return err
		}
		s.log.Info("job cancelled", logx.JobID(id))
		s.publish(eventbus.JobCancelled, out, "")
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", reminder.ErrAlreadyFiring, id, job.Status)
	}
}

// Len returns the number of waiting jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.Len()
}

// NextDue returns the earliest waiting instant.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.ws.peek(); e != nil {
		return e.due, true
	}
	return time.Time{}, false
}

func (s *Scheduler) insertLocked(job reminder.Job) *entry {
	s.seq++
	e := &entry{job: job, due: job.FireAt, seq: s.seq}
	heap.Push(&s.ws, e)
	s.index[job.ID] = e
	return e
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		fired, wait, ok := s.collect(ctx)
		for _, j := range fired {
			s.publish(eventbus.JobFired, j, "")
			if err := s.out.Submit(j); err != nil {
				// The job stays firing; recovery reports it on the next start.
				s.log.Error("hand-off to dispatcher failed", logx.JobID(j.ID), logx.Err(err))
			}
		}

		var timerC <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timerC:
		}
		if ok && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// collect pops every due entry and marks it firing. It returns the fired
// jobs in (instant, admission) order and the wait until the next entry.
func (s *Scheduler) collect(ctx context.Context) (fired []reminder.Job, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retryDelay := s.cfg.StoreRetryDelay
	now := s.now()
	for {
		e := s.ws.peek()
		if e == nil || e.due.After(now) {
			break
		}
		heap.Pop(&s.ws)
		delete(s.index, e.job.ID)

		out, err := s.store.UpdateStatus(ctx, e.job.ID, reminder.StatusFiring, e.job.Attempts, "")
		switch {
		case err == nil:
			fired = append(fired, out)
		case errors.Is(err, reminder.ErrNotFound), errors.Is(err, reminder.ErrInvalidTransition):
			// Removed or moved on outside this scheduler.
			s.log.Warn("dropping job that cannot fire", logx.JobID(e.job.ID), logx.Err(err))
		case ctx.Err() != nil:
			return fired, 0, false
		default:
			s.log.Warn("mark firing failed, will retry", logx.JobID(e.job.ID), logx.Duration("retry_in", retryDelay), logx.Err(err))
			e.due = now.Add(retryDelay)
			heap.Push(&s.ws, e)
			s.index[e.job.ID] = e
		}
	}

	if e := s.ws.peek(); e != nil {
		wait = e.due.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return fired, wait, true
	}
	return fired, 0, false
}

func (s *Scheduler) publish(typ string, job reminder.Job, errText string) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{
		ID:       job.ID,
		FireAt:   job.FireAt,
		Attempts: job.Attempts,
		Error:    errText,
	}})
}
