package reminder

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFiring    Status = "firing"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFiring, StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the lowercase wire names (case-insensitive).
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether from -> to is a legal edge.
//
// firing -> firing is the dispatcher recording another attempt.
// firing -> pending hands back a job with no send in flight (shutdown during
// a backoff wait) so the next start resumes it with its attempts kept.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusFiring || to == StatusCancelled
	case StatusFiring:
		return to == StatusFiring || to == StatusSent || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// CheckTransition validates a status update against the current record.
// Stores call it under their write lock (or inside their transaction).
func CheckTransition(cur Job, to Status, attempts int) error {
	if !CanTransition(cur.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	if attempts < cur.Attempts {
		return fmt.Errorf("%w: attempts %d -> %d", ErrInvalidTransition, cur.Attempts, attempts)
	}
	return nil
}
