// Package reminder defines the one-shot reminder job record shared by the
// store, the scheduler and the dispatcher.
package reminder

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a single reminder. FireAt, Recipient and Payload never change after
// creation; rescheduling means creating a new job.
type Job struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Payload   string    `json:"payload"`
	FireAt    time.Time `json:"fire_at"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob returns a pending job with a fresh id. fireAt is normalized to UTC.
func NewJob(recipient, payload string, fireAt time.Time) Job {
	now := time.Now().UTC()
	return Job{
		ID:        uuid.NewString(),
		Recipient: strings.TrimSpace(recipient),
		Payload:   payload,
		FireAt:    fireAt.UTC(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Due reports whether the job should fire at now.
func (j Job) Due(now time.Time) bool { return !j.FireAt.After(now) }

// Apply returns a copy of j with a status update applied.
// LastError is kept only for failed jobs.
func (j Job) Apply(status Status, attempts int, lastError string, at time.Time) Job {
	j.Status = status
	j.Attempts = attempts
	if status == StatusFailed {
		j.LastError = lastError
	} else {
		j.LastError = ""
	}
	j.UpdatedAt = at.UTC()
	return j
}
