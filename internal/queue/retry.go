package queue

import (
	"math/rand"
	"time"

	"github.com/evermail/dispatch/internal/config"
)

// Backoff computes retry delays: exponential in the attempt count,
// capped, with ±10% jitter so synchronized failures spread out.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
}

func NewBackoff(cfg config.RetryConfig) *Backoff {
	return &Backoff{
		base:        cfg.BaseDelay,
		max:         cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Delay returns the wait before the given attempt number retries.
// attempt is the count already consumed, so the first retry passes 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	if d > b.max {
		d = b.max
	}

	jitter := time.Duration(float64(d) * 0.1 * (2*rand.Float64() - 1))
	return d + jitter
}

// Exhausted reports whether a job has consumed every allowed attempt;
// the next transient failure becomes terminal instead of retrying.
func (b *Backoff) Exhausted(attempts int) bool {
	return attempts >= b.maxAttempts
}
