package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []reminder.Job
	ch   chan reminder.Job
}

func newRecorder() *recordingSubmitter {
	return &recordingSubmitter{ch: make(chan reminder.Job, 256)}
}

func (r *recordingSubmitter) Submit(job reminder.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	r.ch <- job
	return nil
}

func (r *recordingSubmitter) wait(t *testing.T, n int, timeout time.Duration) []reminder.Job {
	t.Helper()
	deadline := time.After(timeout)
	got := make([]reminder.Job, 0, n)
	for len(got) < n {
		select {
		case j := <-r.ch:
			got = append(got, j)
		case <-deadline:
			t.Fatalf("received %d of %d dispatches", len(got), n)
		}
	}
	return got
}

func put(t *testing.T, st jobstore.Store, fireAt time.Time) reminder.Job {
	t.Helper()
	j := reminder.NewJob("100", "ping", fireAt)
	if err := st.Put(context.Background(), j); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return j
}

func startScheduler(t *testing.T, cfg Config, st jobstore.Store, out Submitter) *Scheduler {
	t.Helper()
	s := New(cfg, st, out, logx.Logger{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestEveryAdmittedJobFiresOnce(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := startScheduler(t, Config{}, st, rec)

	const n = 25
	now := time.Now()
	for i := 0; i < n; i++ {
		j := put(t, st, now.Add(time.Duration(i%5)*10*time.Millisecond))
		if err := s.Admit(j); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	got := rec.wait(t, n, 3*time.Second)
	seen := map[string]bool{}
	for _, j := range got {
		if seen[j.ID] {
			t.Fatalf("job %s dispatched twice", j.ID)
		}
		seen[j.ID] = true
		if j.Status != reminder.StatusFiring {
			t.Fatalf("handed off with status %s", j.Status)
		}
	}
	select {
	case extra := <-rec.ch:
		t.Fatalf("unexpected extra dispatch of %s", extra.ID)
	case <-time.After(100 * time.Millisecond):
	}
	if s.Len() != 0 {
		t.Fatalf("wait set still holds %d jobs", s.Len())
	}
}

func TestEarlierInstantFiresFirst(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := startScheduler(t, Config{}, st, rec)

	now := time.Now()
	a := put(t, st, now.Add(2*time.Second))
	b := put(t, st, now.Add(1*time.Second))
	if err := s.Admit(a); err != nil {
		t.Fatalf("Admit a: %v", err)
	}
	if err := s.Admit(b); err != nil {
		t.Fatalf("Admit b: %v", err)
	}

	got := rec.wait(t, 2, 4*time.Second)
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatalf("dispatch order = [%s %s], want B then A", got[0].ID, got[1].ID)
	}
}

func TestEqualInstantsFireInAdmissionOrder(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := New(Config{}, st, rec, logx.Logger{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	at := time.Now().Add(200 * time.Millisecond)
	var ids []string
	for i := 0; i < 5; i++ {
		j := put(t, st, at)
		ids = append(ids, j.ID)
		if err := s.Admit(j); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	got := rec.wait(t, 5, 3*time.Second)
	for i := range ids {
		if got[i].ID != ids[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, ids[i])
		}
	}
}

func TestCancelTwice(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := startScheduler(t, Config{}, st, rec)

	j := put(t, st, time.Now().Add(time.Hour))
	if err := s.Admit(j); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	ctx := context.Background()
	if err := s.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := s.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != reminder.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if s.Len() != 0 {
		t.Fatalf("cancelled job still waiting")
	}
	if err := s.Cancel(ctx, "missing"); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Cancel unknown = %v, want ErrNotFound", err)
	}
}

func TestCancelAfterFiring(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := startScheduler(t, Config{}, st, rec)

	j := put(t, st, time.Now())
	if err := s.Admit(j); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	rec.wait(t, 1, 2*time.Second)
	if err := s.Cancel(context.Background(), j.ID); !errors.Is(err, reminder.ErrAlreadyFiring) {
		t.Fatalf("Cancel after fire = %v, want ErrAlreadyFiring", err)
	}
}

func TestAdmitRequiresStart(t *testing.T) {
	st := jobstore.NewMemory()
	s := New(Config{}, st, newRecorder(), logx.Logger{}, nil)
	if err := s.Admit(put(t, st, time.Now())); !errors.Is(err, ErrStopped) {
		t.Fatalf("Admit before Start = %v, want ErrStopped", err)
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	st := jobstore.NewMemory()
	rec := newRecorder()
	s := startScheduler(t, Config{}, st, rec)

	j := put(t, st, time.Now().Add(time.Hour))
	for i := 0; i < 3; i++ {
		if err := s.Admit(j); err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestRestartReloadsPendingJobs(t *testing.T) {
	dir := t.TempDir()
	cfg := jobstore.Config{Driver: "file", Path: filepath.Join(dir, "remindbot")}
	ctx := context.Background()

	st, err := jobstore.Open(cfg, logx.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := New(Config{}, st, newRecorder(), logx.Logger{}, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	later := put(t, st, time.Now().Add(time.Hour))
	soon := put(t, st, time.Now().Add(300*time.Millisecond))
	for _, j := range []reminder.Job{later, soon} {
		if err := s.Admit(j); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate downtime past the first instant.
	time.Sleep(400 * time.Millisecond)

	st2, err := jobstore.Open(cfg, logx.Logger{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	rec := newRecorder()
	s2 := startScheduler(t, Config{}, st2, rec)

	got := rec.wait(t, 1, 2*time.Second)
	if got[0].ID != soon.ID {
		t.Fatalf("overdue job not fired first: got %s", got[0].ID)
	}
	if s2.Len() != 1 {
		t.Fatalf("Len after reload = %d, want 1", s2.Len())
	}
	if next, ok := s2.NextDue(); !ok || !next.Equal(later.FireAt) {
		t.Fatalf("NextDue = %v, %v", next, ok)
	}
}

func TestRecoveryFailsOrphansAndSkipsOverdue(t *testing.T) {
	st := jobstore.NewMemory()
	ctx := context.Background()

	orphan := put(t, st, time.Now().Add(-time.Minute))
	if _, err := st.UpdateStatus(ctx, orphan.ID, reminder.StatusFiring, 2, ""); err != nil {
		t.Fatalf("mark firing: %v", err)
	}
	overdue := put(t, st, time.Now().Add(-time.Minute))
	future := put(t, st, time.Now().Add(time.Hour))

	rec := newRecorder()
	s := startScheduler(t, Config{OverduePolicy: OverdueSkip}, st, rec)

	cases := []struct {
		id       string
		status   reminder.Status
		attempts int
		lastErr  string
	}{
		{orphan.ID, reminder.StatusFailed, 2, interruptedReason},
		{overdue.ID, reminder.StatusFailed, 0, skippedReason},
		{future.ID, reminder.StatusPending, 0, ""},
	}
	for _, tc := range cases {
		got, err := st.Get(ctx, tc.id)
		if err != nil {
			t.Fatalf("Get %s: %v", tc.id, err)
		}
		if got.Status != tc.status || got.Attempts != tc.attempts || got.LastError != tc.lastErr {
			t.Fatalf("job %s = %s/%d/%q, want %s/%d/%q", tc.id, got.Status, got.Attempts, got.LastError, tc.status, tc.attempts, tc.lastErr)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

// flakyStore fails the first UpdateStatus to firing.
type flakyStore struct {
	jobstore.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) UpdateStatus(ctx context.Context, id string, st reminder.Status, attempts int, lastErr string) (reminder.Job, error) {
	f.mu.Lock()
	if st == reminder.StatusFiring && f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return reminder.Job{}, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.UpdateStatus(ctx, id, st, attempts, lastErr)
}

func TestStoreErrorRetriesMarkFiring(t *testing.T) {
	st := &flakyStore{Store: jobstore.NewMemory(), fails: 1}
	rec := newRecorder()
	s := startScheduler(t, Config{StoreRetryDelay: 50 * time.Millisecond}, st, rec)

	j := put(t, st, time.Now())
	if err := s.Admit(j); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	got := rec.wait(t, 1, 2*time.Second)
	if got[0].ID != j.ID {
		t.Fatalf("fired %s, want %s", got[0].ID, j.ID)
	}
}
