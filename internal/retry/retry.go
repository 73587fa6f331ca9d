// Package retry is the single backoff implementation shared by the source
// adapters and the browser workflow engine.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes exponential backoff: BaseDelay doubled per attempt,
// jittered by ±Jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. A nil
// result, a non-retryable error, or context cancellation stop the loop.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.jittered(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	// Uniform in [1-jitter, 1+jitter].
	factor := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
