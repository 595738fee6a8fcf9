package coupon

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

// ErrRetriesExhausted marks the last error of a call that stayed retryable
// after every allowed retry.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy decides whether a failed call is tried again. Before each
// retry the caller's prepare step runs, for example a fresh login.
type RetryPolicy struct {
	MaxRetries int
	Retryable  func(error) bool
}

// AuthRetry retries once, and only after an expired token.
var AuthRetry = RetryPolicy{MaxRetries: 1, Retryable: fuelnet.IsUnauthorized}

// Run calls attempt until it succeeds, fails with a non-retryable error,
// or the retries are used up.
func (p RetryPolicy) Run(ctx context.Context, attempt, prepare func(context.Context) error) error {
	for try := 0; ; try++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if try >= p.MaxRetries {
			return errors.Mark(err, ErrRetriesExhausted)
		}
		if prepare != nil {
			if perr := prepare(ctx); perr != nil {
				return perr
			}
		}
	}
}
