package dispatcher

import (
	"math/rand"
	"time"

	"remindbot/internal/channel"
)

// backoffDelay returns the wait after the given failed attempt (1-based):
// base*2^(attempt-1) capped at BackoffMax, with +/-Jitter. A retry-after
// hint from the channel replaces the exponential term and is jittered
// upward only, so the wait never undercuts the hint (BackoffMax still caps).
func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	d, hinted := channel.RetryHint(err)
	if !hinted {
		d = cfg.BackoffBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cfg.BackoffMax {
				break
			}
		}
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	if cfg.Jitter > 0 && d > 0 && rng != nil {
		r := rng.Float64() * cfg.Jitter
		if !hinted {
			r = r*2 - cfg.Jitter
		}
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	if d < 0 {
		d = 0
	}
	return d
}
