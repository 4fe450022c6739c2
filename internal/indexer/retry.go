package indexer

import (
	"context"
	"time"
)

// retryDelay is the backoff before attempt n (n >= 1): base doubled per
// attempt and capped at maxDelay.
func retryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// withRetry runs fn until it succeeds, maxRetries extra attempts are used up
// or ctx ends. The last error is returned.
func withRetry(ctx context.Context, maxRetries int, base, maxDelay time.Duration, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		timer := time.NewTimer(retryDelay(attempt+1, base, maxDelay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
