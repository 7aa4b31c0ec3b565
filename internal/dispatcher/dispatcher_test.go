package dispatcher

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/channel"
	"remindbot/internal/eventbus"
	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	logx "remindbot/pkg/logx"
)

// scriptSender returns the scripted errors in order, then nil.
type scriptSender struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (s *scriptSender) Send(ctx context.Context, recipient, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

func (s *scriptSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func firingJob(t *testing.T, st jobstore.Store) reminder.Job {
	t.Helper()
	ctx := context.Background()
	job := reminder.NewJob("12345", "hello", time.Now())
	if err := st.Put(ctx, job); err != nil {
		t.Fatalf("Put: %v", err)
	}
	j, err := st.UpdateStatus(ctx, job.ID, reminder.StatusFiring, 0, "")
	if err != nil {
		t.Fatalf("mark firing: %v", err)
	}
	return j
}

func newTestDispatcher(cfg Config, sender channel.Sender, st jobstore.Store) (*Dispatcher, *[]time.Duration) {
	d := New(cfg, sender, st, logx.Logger{}, nil)
	var mu sync.Mutex
	delays := []time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		delays = append(delays, dur)
		mu.Unlock()
		return ctx.Err()
	}
	return d, &delays
}

func TestTransientThenSuccess(t *testing.T) {
	st := jobstore.NewMemory()
	transient := errors.New("connection reset")
	sender := &scriptSender{script: []error{transient, transient, transient}}
	d, delays := newTestDispatcher(Config{MaxAttempts: 5}, sender, st)

	job := firingJob(t, st)
	out, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != reminder.StatusSent || out.Attempts != 4 {
		t.Fatalf("got status=%s attempts=%d, want sent/4", out.Status, out.Attempts)
	}
	if out.LastError != "" {
		t.Fatalf("LastError = %q, want empty", out.LastError)
	}
	if len(*delays) != 3 {
		t.Fatalf("backoff waits = %d, want 3", len(*delays))
	}

	stored, err := st.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != reminder.StatusSent || stored.Attempts != 4 {
		t.Fatalf("stored status=%s attempts=%d", stored.Status, stored.Attempts)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	st := jobstore.NewMemory()
	sender := &scriptSender{script: []error{channel.Permanent(errors.New("chat not found"))}}
	d, delays := newTestDispatcher(Config{MaxAttempts: 5}, sender, st)

	out, err := d.Dispatch(context.Background(), firingJob(t, st))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != reminder.StatusFailed || out.Attempts != 1 {
		t.Fatalf("got status=%s attempts=%d, want failed/1", out.Status, out.Attempts)
	}
	if out.LastError == "" {
		t.Fatalf("LastError should be recorded")
	}
	if len(*delays) != 0 {
		t.Fatalf("permanent failure waited %v", *delays)
	}
	if sender.Calls() != 1 {
		t.Fatalf("send calls = %d, want 1", sender.Calls())
	}
}

func TestAttemptsExhausted(t *testing.T) {
	st := jobstore.NewMemory()
	boom := errors.New("upstream 502")
	sender := &scriptSender{script: []error{boom, boom, boom, boom}}
	d, _ := newTestDispatcher(Config{MaxAttempts: 3}, sender, st)

	out, err := d.Dispatch(context.Background(), firingJob(t, st))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != reminder.StatusFailed || out.Attempts != 3 {
		t.Fatalf("got status=%s attempts=%d, want failed/3", out.Status, out.Attempts)
	}
	if out.LastError != boom.Error() {
		t.Fatalf("LastError = %q", out.LastError)
	}
}

func TestPanickingSenderIsTransient(t *testing.T) {
	st := jobstore.NewMemory()
	calls := 0
	sender := channel.SenderFunc(func(ctx context.Context, recipient, payload string) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})
	d, _ := newTestDispatcher(Config{MaxAttempts: 2}, sender, st)

	out, err := d.Dispatch(context.Background(), firingJob(t, st))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != reminder.StatusSent || out.Attempts != 2 {
		t.Fatalf("got status=%s attempts=%d, want sent/2", out.Status, out.Attempts)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}.withDefaults()
	cfg.Jitter = 0
	cases := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, errors.New("x"), 100 * time.Millisecond},
		{2, errors.New("x"), 200 * time.Millisecond},
		{4, errors.New("x"), 800 * time.Millisecond},
		{5, errors.New("x"), time.Second},
		{30, errors.New("x"), time.Second},
		{1, channel.RetryAfter(errors.New("flood"), 700*time.Millisecond), 700 * time.Millisecond},
		{1, channel.RetryAfter(errors.New("flood"), time.Minute), time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(cfg, tc.attempt, tc.err, nil); got != tc.want {
			t.Fatalf("backoffDelay(attempt=%d, %v) = %v, want %v", tc.attempt, tc.err, got, tc.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: time.Minute}.withDefaults()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		d := backoffDelay(cfg, 1, errors.New("x"), rng)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-20%%", d)
		}
	}
}

func TestBackoffRetryHintIsAFloor(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: time.Minute}.withDefaults()
	rng := rand.New(rand.NewSource(7))
	hint := 10 * time.Second
	err := channel.RetryAfter(errors.New("flood"), hint)
	for i := 0; i < 200; i++ {
		d := backoffDelay(cfg, 1, err, rng)
		if d < hint || d > 12*time.Second {
			t.Fatalf("hinted delay %v outside [%v, +20%%]", d, hint)
		}
	}
}

func TestNegativeJitterDisablesJitter(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: time.Minute, Jitter: -1}.withDefaults()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		if d := backoffDelay(cfg, 2, errors.New("x"), rng); d != 2*time.Second {
			t.Fatalf("delay = %v, want exactly 2s", d)
		}
	}
	if def := (Config{}).withDefaults(); def.Jitter != 0.2 {
		t.Fatalf("default jitter = %v", def.Jitter)
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	st := jobstore.NewMemory()
	sender := &scriptSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	d := New(Config{Workers: 3}, sender, st, logx.Logger{}, bus)
	d.Start(context.Background())

	const n = 10
	for i := 0; i < n; i++ {
		if err := d.Submit(firingJob(t, st)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	sent := 0
	timeout := time.After(3 * time.Second)
	for sent < n {
		select {
		case ev := <-events:
			if ev.Type == eventbus.JobSent {
				sent++
			}
		case <-timeout:
			t.Fatalf("sent %d of %d before timeout", sent, n)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sender.Calls() != n {
		t.Fatalf("send calls = %d, want %d", sender.Calls(), n)
	}
	if err := d.Submit(reminder.Job{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}

type submitRecorder struct{ ch chan reminder.Job }

func (r submitRecorder) Submit(job reminder.Job) error {
	r.ch <- job
	return nil
}

func TestShutdownDuringBackoffResumesAfterRestart(t *testing.T) {
	for _, policy := range []string{scheduler.OverdueFire, scheduler.OverdueSkip} {
		t.Run(policy, func(t *testing.T) {
			cfg := jobstore.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "remindbot")}
			st, err := jobstore.Open(cfg, logx.Logger{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			sender := &scriptSender{script: []error{errors.New("connection reset")}}
			d := New(Config{MaxAttempts: 5, BackoffBase: 5 * time.Second}, sender, st, logx.Logger{}, nil)

			job := firingJob(t, st)
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			out, err := d.Dispatch(ctx, job)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Dispatch err = %v, want deadline", err)
			}
			if out.Status != reminder.StatusPending || out.Attempts != 1 {
				t.Fatalf("released status=%s attempts=%d, want pending/1", out.Status, out.Attempts)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st2, err := jobstore.Open(cfg, logx.Logger{})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			rec := submitRecorder{ch: make(chan reminder.Job, 1)}
			s := scheduler.New(scheduler.Config{OverduePolicy: policy}, st2, rec, logx.Logger{}, nil)
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer s.Stop(context.Background())

			select {
			case got := <-rec.ch:
				if got.ID != job.ID || got.Status != reminder.StatusFiring || got.Attempts != 1 {
					t.Fatalf("resumed job = %s %s attempts=%d", got.ID, got.Status, got.Attempts)
				}
			case <-time.After(2 * time.Second):
				stored, _ := st2.Get(context.Background(), job.ID)
				t.Fatalf("job not resumed: status=%s last_error=%q", stored.Status, stored.LastError)
			}
		})
	}
}

// blockingSender holds every send until its context ends.
type blockingSender struct{ started chan struct{} }

func (b blockingSender) Send(ctx context.Context, recipient, payload string) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStopDeadlineReleasesQueuedJobs(t *testing.T) {
	st := jobstore.NewMemory()
	sender := blockingSender{started: make(chan struct{}, 1)}
	d := New(Config{Workers: 1}, sender, st, logx.Logger{}, nil)
	d.Start(context.Background())

	inFlight := firingJob(t, st)
	queued := firingJob(t, st)
	if err := d.Submit(inFlight); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("send never started")
	}
	if err := d.Submit(queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := d.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline", err)
	}

	got, err := st.Get(context.Background(), inFlight.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != reminder.StatusFiring {
		t.Fatalf("cut-off send status = %s, want firing", got.Status)
	}
	got, err = st.Get(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != reminder.StatusPending || got.Attempts != 0 {
		t.Fatalf("queued job status=%s attempts=%d, want pending/0", got.Status, got.Attempts)
	}
}
