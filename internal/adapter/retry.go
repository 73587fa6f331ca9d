package adapter

import (
	"context"
	"time"

	"github.com/thoth-app/discovery/internal/retry"
)

// RetryPolicy wraps the shared backoff with the adapter taxonomy: only
// transient failures are retried.
type RetryPolicy struct {
	retry.Policy
}

// DefaultRetry matches the provider contract: 1s base, doubling, ±20%
// jitter, five attempts.
var DefaultRetry = RetryPolicy{retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, Jitter: 0.2}}

// Do runs fn, retrying transient failures until the attempt budget is
// spent. Permanent errors and context cancellation return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	return p.Policy.Do(ctx, IsTransient, fn)
}
