package affiliate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how storage writes are retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // doubled after each failed attempt
}

// DefaultRetryPolicy is 3 attempts starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged so callers
// can still match it.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		zap.L().Warn("retrying storage operation",
			zap.String("op", op),
			zap.Int("attempt", i),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
	zap.L().Error("storage operation failed after retries",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return err
}
