package reminder

import "errors"

// Validation errors. Returned by the time resolver and ingestion; no job is
// created when one of these is returned.
var (
	ErrInvalidDateFormat  = errors.New("invalid date/time format")
	ErrOutOfRange         = errors.New("date/time component out of range")
	ErrAmbiguousLocalTime = errors.New("ambiguous or nonexistent local time")
	ErrUnknownZone        = errors.New("unknown time zone")
)

// Store contract errors.
var (
	ErrDuplicateID       = errors.New("job id already exists")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ErrAlreadyFiring is returned by cancel once dispatch has begun.
var ErrAlreadyFiring = errors.New("job already firing")

// IsValidation reports whether err is one of the input validation errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidDateFormat) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrAmbiguousLocalTime) ||
		errors.Is(err, ErrUnknownZone)
}
