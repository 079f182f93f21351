// Package lock provides per-room mutual exclusion with a lease. A holder that
// crashes loses the room once its lease expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when a lock could not be acquired within the wait budget.
var ErrTimeout = errors.New("lock: acquisition timed out")

// errContended marks an attempt that found the lock held by someone else.
var errContended = errors.New("lock: contended")

// Token proves ownership of a lease. Value is unique per acquisition so a
// stale holder can never release someone else's lease.
type Token struct {
	Key   string
	Value string
}

func roomKey(prefix string, roomID uint) string {
	return fmt.Sprintf("%sroom:%d", prefix, roomID)
}

// acquireWithRetry polls try with exponential backoff until it succeeds or the
// timeout elapses. Infrastructure errors are retried as well since acquiring
// is idempotent for a fixed token value.
func acquireWithRetry(ctx context.Context, timeout time.Duration, try func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = timeout
	eb.Reset()

	var lastErr error
	err := backoff.Retry(func() error {
		ok, err := try(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			lastErr = errContended
			return errContended
		}
		return nil
	}, backoff.WithContext(eb, ctx))
	if err == nil {
		return nil
	}
	if lastErr != nil && !errors.Is(lastErr, errContended) {
		return fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	}
	return ErrTimeout
}
