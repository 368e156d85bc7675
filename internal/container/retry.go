// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryWithBackoff runs op up to maxAttempts times, doubling the wait from
// baseBackoff between attempts. op returns retry=false to stop early; its
// error is then returned as is. Cancelling ctx aborts the wait.
func RetryWithBackoff(
	ctx context.Context,
	maxAttempts int,
	baseBackoff time.Duration,
	op func(attempt int) (retry bool, err error),
) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(baseBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	attempt := 0
	return backoff.Retry(func() error {
		retry, err := op(attempt)
		attempt++
		if err != nil && !retry {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx))
}
