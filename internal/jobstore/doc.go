// Package jobstore persists reminder jobs.
//
// Every backend implements the same Store contract:
//   - Put rejects an id that already exists (reminder.ErrDuplicateID)
//   - UpdateStatus enforces the status state machine and never lets attempts
//     decrease (reminder.ErrInvalidTransition)
//   - writes are atomic with respect to concurrent readers
//
// Drivers: "memory", "file" (snapshot + journal), "sqlite" (modernc),
// "postgres" (gorm) and "redis".
package jobstore
