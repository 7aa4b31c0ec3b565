// Package dispatcher delivers fired reminder jobs through a channel.Sender
// with a bounded worker pool, retrying transient failures with exponential
// backoff and recording every outcome in the job store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/channel"
	"remindbot/internal/eventbus"
	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher is safe for concurrent use. Submit never blocks: the hand-off
// queue is unbounded so a slow channel cannot stall the scheduler loop.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender channel.Sender
	store  jobstore.Store
	log    logx.Logger
	bus    eventbus.Bus

	qmu      sync.Mutex
	queue    []reminder.Job
	signal   chan struct{}
	draining bool

	sup *rtsup.Supervisor

	// sleep waits d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender channel.Sender, store jobstore.Store, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		sender: sender,
		store:  store,
		log:    log,
		bus:    bus,
		signal: make(chan struct{}, 1),
		sleep:  sleepCtx,
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps the retry policy, send timeout and rate limit. Worker count
// changes take effect on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		d.limiter = nil
	}
}

// Start launches the worker pool. It is a no-op when already running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	workers := d.cfg.Workers
	sup := rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	d.sup = sup
	d.mu.Unlock()

	d.qmu.Lock()
	d.draining = false
	d.qmu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", idx), func(c context.Context) error {
			d.workerLoop(c, idx)
			return nil
		})
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop stops intake and lets workers drain the queue until ctx expires, at
// which point in-flight sends and backoff waits are cancelled. Jobs waiting
// in the queue or in backoff go back to pending; only a job whose send was
// cut off stays firing for startup recovery to report.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return nil
	}

	d.qmu.Lock()
	d.draining = true
	d.qmu.Unlock()
	d.wake()

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		sup.Cancel()
		<-done
		d.qmu.Lock()
		left := d.queue
		d.queue = nil
		d.qmu.Unlock()
		if len(left) > 0 {
			d.log.Warn("dispatcher stopped with queued jobs", logx.Int("queued", len(left)))
		}
		for _, job := range left {
			d.release(ctx, job, job.Attempts)
		}
		return ctx.Err()
	}
}

// Submit queues a job that the scheduler has already marked firing.
func (d *Dispatcher) Submit(job reminder.Job) error {
	d.qmu.Lock()
	if d.draining {
		d.qmu.Unlock()
		return ErrStopped
	}
	d.queue = append(d.queue, job)
	d.qmu.Unlock()
	d.wake()
	return nil
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest queued job. ok is false when the worker should exit.
func (d *Dispatcher) next(ctx context.Context) (reminder.Job, bool) {
	for {
		if ctx.Err() != nil {
			return reminder.Job{}, false
		}
		d.qmu.Lock()
		if len(d.queue) > 0 {
			job := d.queue[0]
			d.queue[0] = reminder.Job{}
			d.queue = d.queue[1:]
			more := len(d.queue) > 0
			d.qmu.Unlock()
			if more {
				d.wake()
			}
			return job, true
		}
		draining := d.draining
		d.qmu.Unlock()
		if draining {
			// Pass the signal on so sibling workers also observe the drain.
			d.wake()
			return reminder.Job{}, false
		}

		select {
		case <-ctx.Done():
			return reminder.Job{}, false
		case <-d.signal:
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, idx int) {
	// Per-worker RNG so concurrent retries don't contend on a global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		job, ok := d.next(ctx)
		if !ok {
			return
		}
		d.dispatch(ctx, job, rng)
	}
}

// Dispatch runs the full attempt loop for one firing job on the caller's
// goroutine and returns the recorded terminal state.
func (d *Dispatcher) Dispatch(ctx context.Context, job reminder.Job) (reminder.Job, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	out, err := d.dispatch(ctx, job, rng)
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, job reminder.Job, rng *rand.Rand) (reminder.Job, error) {
	log := d.log.With(logx.JobID(job.ID))
	attempts := job.Attempts
	for {
		if err := ctx.Err(); err != nil {
			return d.release(ctx, job, attempts), err
		}
		d.mu.Lock()
		cfg, lim := d.cfg, d.limiter
		d.mu.Unlock()

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return d.release(ctx, job, attempts), err
			}
		}

		attempts++
		err := d.send(ctx, cfg, job)
		if err == nil {
			out, rerr := d.record(ctx, job.ID, reminder.StatusSent, attempts, "")
			if rerr != nil {
				return job, rerr
			}
			log.Info("reminder sent", logx.Int("attempts", attempts))
			d.publish(eventbus.JobSent, out, 0, "")
			return out, nil
		}
		if ctx.Err() != nil {
			// Shutdown mid-send: the job stays firing for recovery to report.
			return job, ctx.Err()
		}

		permanent := channel.IsPermanent(err)
		if permanent || attempts >= cfg.MaxAttempts {
			out, rerr := d.record(ctx, job.ID, reminder.StatusFailed, attempts, err.Error())
			if rerr != nil {
				return job, rerr
			}
			log.Warn("reminder failed", logx.Int("attempts", attempts), logx.Bool("permanent", permanent), logx.Err(err))
			d.publish(eventbus.JobFailed, out, 0, err.Error())
			return out, nil
		}

		if cur, rerr := d.store.UpdateStatus(ctx, job.ID, reminder.StatusFiring, attempts, ""); rerr != nil {
			if errors.Is(rerr, reminder.ErrNotFound) || errors.Is(rerr, reminder.ErrInvalidTransition) {
				log.Error("job changed under dispatch", logx.Err(rerr))
				return job, rerr
			}
			log.Warn("record attempt failed", logx.Err(rerr))
		} else {
			job = cur
		}

		delay := backoffDelay(cfg, attempts, err, rng)
		log.Debug("reminder retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		d.publish(eventbus.JobRetry, job, delay, err.Error())
		if serr := d.sleep(ctx, delay); serr != nil {
			return d.release(ctx, job, attempts), serr
		}
	}
}

// releaseTimeout bounds the store write that hands a job back after ctx is
// already cancelled.
const releaseTimeout = 2 * time.Second

// release returns a firing job with no send in flight to pending, keeping
// its attempts, so the next start re-admits it instead of failing it as
// interrupted.
func (d *Dispatcher) release(ctx context.Context, job reminder.Job, attempts int) reminder.Job {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	out, err := d.store.UpdateStatus(rctx, job.ID, reminder.StatusPending, attempts, "")
	if err != nil {
		d.log.Warn("release job failed; recovery will report it", logx.JobID(job.ID), logx.Err(err))
		return job
	}
	d.log.Info("job released for next start", logx.JobID(job.ID), logx.Int("attempts", attempts))
	return out
}

// send makes one bounded attempt. A panicking sender counts as a transient
// failure for that attempt.
func (d *Dispatcher) send(ctx context.Context, cfg Config, job reminder.Job) (err error) {
	if d.sender == nil {
		return channel.Permanent(errors.New("no channel configured"))
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("send panicked", logx.JobID(job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.sender.Send(sctx, job.Recipient, job.Payload)
}

// record writes a terminal status, retrying store errors other than the
// contract errors until ctx is done.
func (d *Dispatcher) record(ctx context.Context, id string, status reminder.Status, attempts int, lastErr string) (reminder.Job, error) {
	wait := 100 * time.Millisecond
	for {
		out, err := d.store.UpdateStatus(ctx, id, status, attempts, lastErr)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, reminder.ErrNotFound) || errors.Is(err, reminder.ErrInvalidTransition) {
			d.log.Error("record outcome rejected", logx.JobID(id), logx.String("status", string(status)), logx.Err(err))
			return reminder.Job{}, err
		}
		d.log.Warn("record outcome failed, retrying", logx.JobID(id), logx.String("status", string(status)), logx.Err(err))
		if serr := d.sleep(ctx, wait); serr != nil {
			return reminder.Job{}, fmt.Errorf("record %s for %s: %w", status, id, err)
		}
		if wait < 5*time.Second {
			wait *= 2
		}
	}
}

func (d *Dispatcher) publish(typ string, job reminder.Job, delay time.Duration, errText string) {
	ev := eventbus.JobEvent{ID: job.ID, FireAt: job.FireAt, Attempts: job.Attempts, Error: errText}
	if delay > 0 {
		ev.Delay = delay.String()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
