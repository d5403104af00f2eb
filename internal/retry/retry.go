// Package retry re-runs operations against flaky collaborators (Redis, Postgres) with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/logging"
)

// Policy bounds the number of attempts and the backoff between them.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries three times starting at 50ms.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
}

// Do runs fn until it succeeds, fails with a non-transient error, or attempts run out. Failures
// are wrapped in a logging.OperationError naming operation and requestID.
func Do(ctx context.Context, logger *zap.Logger, policy Policy, operation, requestID string, fn func() error) error {
	if policy.Attempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := goretry.NewExponential(policy.InitialBackoff)
	backoff = goretry.WithCappedDuration(policy.MaxBackoff, backoff)
	backoff = goretry.WithMaxRetries(uint64(policy.Attempts-1), backoff)

	opLogger := logging.WithOperation(logger, operation, requestID)
	attempt := 0
	err := goretry.Do(ctx, backoff, func(context.Context) error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !IsTransient(err) || attempt == policy.Attempts {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt))
		return goretry.RetryableError(err)
	})
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports whether err is a timeout or a temporary network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
