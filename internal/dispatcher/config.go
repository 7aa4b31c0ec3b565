package dispatcher

import "time"

// Config is the retry and throughput policy. Everything except Workers can
// be changed at runtime with Apply.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the +/- fraction applied to each delay. 0 means 0.2;
	// a negative value disables jitter.
	Jitter      float64
	SendTimeout time.Duration
	// RatePerSec caps outbound sends across all workers. 0 disables it.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}
