package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

type countingPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *countingPruner) Prune(ctx context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 0, nil
}

func (p *countingPruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestRunOncePrunesTerminalJobs(t *testing.T) {
	st := jobstore.NewMemory()
	ctx := context.Background()

	old := reminder.NewJob("1", "old", time.Now())
	keep := reminder.NewJob("2", "pending", time.Now())
	for _, j := range []reminder.Job{old, keep} {
		if err := st.Put(ctx, j); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := st.UpdateStatus(ctx, old.ID, reminder.StatusCancelled, 0, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	s := New(Config{MaxAge: time.Hour}, st, logx.Logger{})
	// Pretend two hours passed.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := st.Get(ctx, keep.ID); err != nil {
		t.Fatalf("pending job removed: %v", err)
	}
}

func TestScheduleRuns(t *testing.T) {
	p := &countingPruner{}
	s := New(Config{Enabled: true, Schedule: "@every 1s", MaxAge: time.Minute}, p, logx.Logger{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for p.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if p.calls() == 0 {
		t.Fatalf("prune never ran")
	}
}

func TestDisabledDoesNothing(t *testing.T) {
	p := &countingPruner{}
	s := New(Config{Enabled: false, Schedule: "@every 1s"}, p, logx.Logger{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	time.Sleep(1200 * time.Millisecond)
	if p.calls() != 0 {
		t.Fatalf("disabled retention pruned %d times", p.calls())
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"", "@daily", "0 3 * * *", "0 0 3 * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", spec, err)
		}
	}
	if err := ValidateSchedule("every day"); err == nil {
		t.Fatalf("expected error for bad spec")
	}
}
