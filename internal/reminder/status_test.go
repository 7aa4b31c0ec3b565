package reminder

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusFiring, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSent, false},
		{StatusPending, StatusPending, false},
		{StatusFiring, StatusFiring, true},
		{StatusFiring, StatusSent, true},
		{StatusFiring, StatusFailed, true},
		{StatusFiring, StatusCancelled, false},
		{StatusFiring, StatusPending, true},
		{StatusSent, StatusPending, false},
		{StatusFailed, StatusFiring, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s,%s)=%v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestCheckTransitionRejectsAttemptDecrease(t *testing.T) {
	cur := Job{Status: StatusFiring, Attempts: 3}
	if err := CheckTransition(cur, StatusFiring, 2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CheckTransition(cur, StatusSent, 4); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestApplyClearsLastErrorUnlessFailed(t *testing.T) {
	j := NewJob(" 42 ", "hi", time.Now())
	if j.Recipient != "42" || j.Status != StatusPending || j.ID == "" {
		t.Fatalf("unexpected job: %+v", j)
	}
	f := j.Apply(StatusFiring, 1, "boom", time.Now())
	if f.LastError != "" {
		t.Fatalf("firing job must not carry last_error, got %q", f.LastError)
	}
	f = f.Apply(StatusFailed, 2, "boom", time.Now())
	if f.LastError != "boom" {
		t.Fatalf("failed job lost last_error")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(" Failed "); err != nil || s != StatusFailed {
		t.Fatalf("ParseStatus: %v %v", s, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatalf("expected error")
	}
}
