package datasync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/seantiz/pipelined/internal/retry"
)

// Publisher is the part of a dataset the failsafe publisher needs.
type Publisher interface {
	Publish(ctx context.Context, path, sibling string) error
	Drop(ctx context.Context, path string) error
}

// Failsafe eventually publishes paths whose inline publish failed.
type Failsafe struct {
	ctx     context.Context
	ds      Publisher
	sibling string
	policy  retry.Policy
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewFailsafe creates a failsafe publisher. Its retry loops run until they
// succeed or ctx, the process lifetime, is cancelled.
func NewFailsafe(ctx context.Context, ds Publisher, sibling string, policy retry.Policy, logger *slog.Logger) *Failsafe {
	return &Failsafe{
		ctx:     ctx,
		ds:      ds,
		sibling: sibling,
		policy:  policy,
		logger:  logger,
	}
}

// Publish starts a detached goroutine retrying the publish of path until it
// succeeds, then drops the local content if dropAfter is set. Nothing is
// reported back to the caller.
func (f *Failsafe) Publish(path string, dropAfter bool) {
	failsafePending.Inc()
	f.wg.Go(func() {
		defer failsafePending.Dec()

		p := f.policy
		p.OnError = func(attempt int, err error) {
			syncAttemptsTotal.WithLabelValues("failsafe", "error").Inc()
			f.logger.Debug("failsafe publish failed", "path", path, "attempt", attempt, "error", err)
		}

		attempts, err := p.Until(f.ctx, func(ctx context.Context) error {
			return f.ds.Publish(ctx, path, f.sibling)
		})
		if err != nil {
			f.logger.Warn("failsafe publish abandoned at shutdown", "path", path, "attempts", attempts)
			return
		}
		syncAttemptsTotal.WithLabelValues("failsafe", "ok").Inc()
		f.logger.Info("failsafe publish succeeded", "path", path, "attempts", attempts)

		if dropAfter {
			if err := f.ds.Drop(context.WithoutCancel(f.ctx), path); err != nil {
				f.logger.Warn("drop after failsafe publish", "path", path, "error", err)
			}
		}
	})
}

// Wait blocks until every failsafe goroutine has returned.
func (f *Failsafe) Wait() {
	f.wg.Wait()
}
