package exchange

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

const (
	maxAttempts  = 3
	retryWaitMin = 5 * time.Second
	retryWaitMax = 20 * time.Second
)

// errIncompleteResponse marks a 2xx response that is missing the field
// proving the action took effect (order status, leverage). Retryable.
var errIncompleteResponse = errors.New("incomplete exchange response")

// retryPolicy retries an action up to maxAttempts times with a uniformly
// jittered wait, short-circuiting on fatal rejections.
type retryPolicy struct {
	logger *slog.Logger

	// test hooks
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func newRetryPolicy(logger *slog.Logger) *retryPolicy {
	return &retryPolicy{
		logger: logger,
		sleep:  sleepCtx,
		jitter: func() time.Duration {
			return retryWaitMin + time.Duration(rand.Int63n(int64(retryWaitMax-retryWaitMin)))
		},
	}
}

// do runs fn until it succeeds, fails fatally, or the attempt budget runs
// out. The last error is returned.
func (p *retryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsFatal(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		wait := p.jitter()
		p.logger.Warn("exchange call failed, retrying",
			"op", op,
			"attempt", attempt,
			"wait", wait,
			"error", lastErr,
		)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
