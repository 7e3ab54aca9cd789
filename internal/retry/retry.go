// Package retry implements the retry-until-success policy shared by the
// dataset synchronization loop and the failsafe publisher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrStopped is returned by Until when the policy's context is cancelled
// before an attempt succeeds.
var ErrStopped = errors.New("retry stopped")

// Policy retries an operation until it succeeds or the caller stops it.
//
// Cancellation is cooperative: the context is only checked between attempts.
// Each attempt runs on a context detached from cancellation so that an
// operation in flight is never interrupted half way.
type Policy struct {
	// Limiter paces attempts. A nil Limiter retries immediately.
	Limiter *rate.Limiter

	// OnError, if set, is called after every failed attempt.
	OnError func(attempt int, err error)
}

// Every returns a Policy allowing one attempt per interval. A non-positive
// interval retries immediately.
func Every(interval time.Duration) Policy {
	if interval <= 0 {
		return Policy{}
	}
	return Policy{Limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Until calls op until it returns nil and reports how many attempts ran.
// It returns an error wrapping ErrStopped once ctx is done.
func (p Policy) Until(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	opCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%w: %w", ErrStopped, err)
		}
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return attempt - 1, fmt.Errorf("%w: %w", ErrStopped, err)
			}
		}

		err := op(opCtx)
		if err == nil {
			return attempt, nil
		}
		if p.OnError != nil {
			p.OnError(attempt, err)
		}
	}
}
