// Retry loop for orchestrator calls
// Every attempt passes a lane's admission check first; failures back off per the
// lane's policy and 429 answers wait out the shared retry timeout instead

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/client"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"go.uber.org/zap"
)

// ErrRetriesExhausted wraps the last failure once a lane's retries are spent
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retrier runs orchestrator operations under a Pacer
type Retrier struct {
	pacer  *pacing.Pacer
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier bound to pacer
func NewRetrier(pacer *pacing.Pacer, logger *zap.Logger) *Retrier {
	return &Retrier{
		pacer:  pacer,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Do calls fn until it succeeds, the lane's retries run out, the error is
// permanent or ctx is cancelled. Waiting for admission does not use up a retry.
func (r *Retrier) Do(
	ctx context.Context,
	lane *pacing.Lane,
	operation string,
	fn func(context.Context) error,
) error {
	policy := lane.Backoff()
	var attempt uint32

	for {
		if ok, wait := lane.Admit(); !ok {
			r.logger.Debug("Request deferred by pacer",
				zap.String("operation", operation),
				zap.String("policy", string(lane.Policy())),
				zap.Duration("wait", wait),
			)
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Uint32("attempts", attempt+1),
				)
			}
			return nil
		}

		if isPermanent(ctx, err) {
			return err
		}

		delay, ok := policy.DelayFor(attempt)
		if !ok {
			r.logger.Error("Operation failed after all retries",
				zap.String("operation", operation),
				zap.Uint32("max_retries", policy.MaxRetries),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %w: %w", operation, ErrRetriesExhausted, err)
		}

		var rateLimited *client.RateLimitError
		if errors.As(err, &rateLimited) {
			delay = r.pacer.OnRateLimited(rateLimited.RetryAfter)
		}

		r.logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Uint32("attempt", attempt+1),
			zap.Uint32("max_retries", policy.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// isPermanent reports errors that retrying the same request cannot fix
func isPermanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, client.ErrRejected) ||
		errors.Is(err, client.ErrNoTaskAvailable) ||
		errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
